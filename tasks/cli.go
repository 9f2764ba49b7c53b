package tasks

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"smartfin-go/boot"
	"smartfin-go/errcode"
	"smartfin-go/flash"
	"smartfin-go/fsm"
	"smartfin-go/nvram"
	"smartfin-go/system"
	"smartfin-go/version"
)

const (
	cliLineMax = 80

	mkFiles     = 3
	mkFileBytes = 496*3 + 3
)

// CLI is the line console entered from Charge. Commands are a single menu
// letter or a word, with shell-style arguments.
type CLI struct {
	d    *system.Desc
	log  *zap.Logger
	line []byte
	next fsm.State
}

func NewCLI(d *system.Desc) *CLI {
	return &CLI{d: d, log: d.Log.Named("cli"), line: make([]byte, 0, cliLineMax)}
}

type command struct {
	key  byte // menu letter, 0 for word-only commands
	name string
	help string
	run  func(t *CLI, args []string)
}

var commands []command

func init() {
	commands = []command{
		{'#', "help", "list commands", (*CLI).doHelp},
		{'D', "sleep", "deep sleep", goTo(fsm.DeepSleep)},
		{'T', "mfgtest", "manufacturing test", goTo(fsm.MfgTest)},
		{'U', "upload", "data upload", goTo(fsm.Upload)},
		{'I', "init", "init surf session", goTo(fsm.SessionInit)},
		{'C', "cal", "start temperature calibration", (*CLI).doCal},
		{'L', "ls", "list files", (*CLI).doList},
		{'F', "format", "erase every file", (*CLI).doFormat},
		{'M', "mkfiles", "make test files", (*CLI).doMakeFiles},
		{'R', "rm", "rm <file>: delete a file", (*CLI).doRemove},
		{0, "cat", "cat <file>: print bytes", (*CLI).doCat},
		{0, "hexdump", "hexdump <file>", (*CLI).doHexdump},
		{0, "flog", "flog [clear]: fault log", (*CLI).doFlog},
		{0, "boot", "boot [behavior]: show or set", (*CLI).doBoot},
		{0, "nvram", "nvram [key value]: show or set", (*CLI).doNVRAM},
		{0, "noupload", "noupload on|off", (*CLI).doNoUpload},
		{0, "version", "firmware version", (*CLI).doVersion},
		{0, "exit", "back to charge", goTo(fsm.Charge)},
	}
}

func lookup(tok string) (command, bool) {
	for _, c := range commands {
		if len(tok) == 1 && c.key != 0 && c.key == strings.ToUpper(tok)[0] {
			return c, true
		}
		if strings.EqualFold(tok, c.name) {
			return c, true
		}
	}
	return command{}, false
}

func (t *CLI) Init(ctx context.Context) {
	version.PrintBanner(t.d.Console)
	t.d.Printf("Press # to list menu options\n")
	t.d.Console.Flush()
}

func (t *CLI) Run(ctx context.Context) fsm.State {
	d := t.d
	t.next = fsm.CLI
	t.line = t.line[:0]
	last := d.Clock.Millis()
	d.Printf(">")
	for t.next == fsm.CLI {
		if elapsed(d.Clock, last, d.Cfg.CLI.Timeout) {
			d.Printf("\nNo input, going to sleep\n")
			return fsm.DeepSleep
		}
		b, ok := d.Console.Key()
		if !ok {
			if !yield(ctx, d.Clock) {
				return fsm.Null
			}
			continue
		}
		last = d.Clock.Millis()
		switch b {
		case '\b', 0x7f:
			if len(t.line) > 0 {
				t.line = t.line[:len(t.line)-1]
				d.Printf("\b \b")
			}
		case '\r', '\n':
			d.Printf("\r\n")
			if len(t.line) > 0 {
				t.exec(string(t.line))
			}
			t.line = t.line[:0]
			if t.next == fsm.CLI {
				d.Printf(">")
			}
		default:
			if len(t.line) < cliLineMax {
				t.line = append(t.line, b)
				d.Printf("%c", b)
			}
		}
	}
	return t.next
}

func (t *CLI) Exit() {}

func (t *CLI) exec(line string) {
	args, err := shlex.Split(line)
	if err != nil {
		t.d.Printf("Bad input: %v\n", err)
		return
	}
	if len(args) == 0 {
		return
	}
	c, ok := lookup(args[0])
	if !ok {
		t.d.Printf("Unknown command\n")
		return
	}
	t.log.Debug("command", zap.String("name", c.name), zap.Strings("args", args[1:]))
	c.run(t, args[1:])
}

// ----------------------------------------------------------------------------
// Commands
// ----------------------------------------------------------------------------

func goTo(s fsm.State) func(*CLI, []string) {
	return func(c *CLI, _ []string) {
		if s == fsm.DeepSleep {
			c.d.Printf("Next state is sleep\n")
		}
		c.next = s
	}
}

func (t *CLI) doHelp(_ []string) {
	for _, c := range commands {
		key := " "
		if c.key != 0 {
			key = string(c.key)
		}
		t.d.Printf("%s %-9s %s\n", key, c.name, c.help)
	}
}

func (t *CLI) doCal(_ []string) {
	if err := t.d.Boot.Set(boot.TempCalStart); err != nil {
		t.d.Printf("Failed to set boot behavior: %v\n", err)
		return
	}
	t.next = fsm.TempCal
}

func (t *CLI) doList(_ []string) {
	es, err := flash.List(t.d.FS)
	if err != nil {
		t.d.Printf("Flash opendir fail: %v\n", err)
		return
	}
	for _, e := range es {
		t.d.Printf("%s\t%d\n", e.Name, e.Size)
	}
}

func (t *CLI) doFormat(_ []string) {
	t.d.Printf("attempting format of flash...\n")
	if t.d.Recorder.IsOpen() {
		_ = t.d.Recorder.CloseSession()
	}
	es, err := flash.List(t.d.FS)
	if err != nil {
		t.d.Printf("*format error\n")
		return
	}
	for _, e := range es {
		if err := t.d.FS.Remove(e.Name); err != nil {
			t.log.Warn("remove", zap.String("name", e.Name), zap.Error(err))
			t.d.Printf("*format error\n")
			return
		}
	}
	t.d.Printf("*format success\n")
}

func (t *CLI) doMakeFiles(_ []string) {
	data := make([]byte, mkFileBytes)
	for j := range data {
		data[j] = byte(j)
	}
	for i := range mkFiles {
		name := fmt.Sprintf("t%d.txt", i)
		f, err := t.d.FS.Open(name, flash.ORDWR|flash.OCreate|flash.OTrunc)
		if err != nil {
			t.d.Printf("Failed to open %s: %v\n", name, err)
			return
		}
		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			t.d.Printf("Failed to write %s: %v\n", name, err)
			return
		}
	}
	t.d.Printf("Done making %d temp files!\n", mkFiles)
}

func (t *CLI) doRemove(args []string) {
	if len(args) != 1 {
		t.d.Printf("usage: rm <file>\n")
		return
	}
	if err := t.d.FS.Remove(args[0]); err != nil {
		t.d.Printf("*deletion failed\n")
		return
	}
	t.d.Printf("*file deleted\n")
}

func (t *CLI) readFile(args []string) ([]byte, bool) {
	if len(args) != 1 {
		t.d.Printf("usage: <cmd> <file>\n")
		return nil, false
	}
	f, err := t.d.FS.Open(args[0], flash.ORead)
	if err != nil {
		t.d.Printf("Failed to open %s\n", args[0])
		return nil, false
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		t.d.Printf("Failed to read %s\n", args[0])
		return nil, false
	}
	t.d.Printf("Publish Header: %s-%s\n", t.d.DeviceID, args[0])
	return b, true
}

func (t *CLI) doCat(args []string) {
	b, ok := t.readFile(args)
	if !ok {
		return
	}
	for _, c := range b {
		t.d.Printf("%d,", c)
	}
	t.d.Printf("\n")
}

func (t *CLI) doHexdump(args []string) {
	b, ok := t.readFile(args)
	if !ok {
		return
	}
	_, _ = io.WriteString(t.d.Console, hex.Dump(b))
}

func (t *CLI) doFlog(args []string) {
	if len(args) == 1 && args[0] == "clear" {
		t.d.FLog.Clear()
		t.d.Printf("Fault log cleared\n")
		return
	}
	_ = t.d.FLog.Dump(t.d.Console)
}

func (t *CLI) doBoot(args []string) {
	if len(args) == 0 {
		t.d.Printf("Behavior: %s\n", t.d.Boot.Get())
		return
	}
	b, err := boot.Parse(args[0])
	if err != nil {
		t.d.Printf("Unknown behavior %q\n", args[0])
		return
	}
	if err := t.d.Boot.Set(b); err != nil {
		t.d.Printf("Failed to set boot behavior: %v\n", err)
		return
	}
	t.d.Printf("Behavior: %s\n", b)
}

func (t *CLI) doNVRAM(args []string) {
	s := t.d.NVRAM
	switch len(args) {
	case 0:
		for _, k := range nvram.Keys() {
			v, err := s.Get(k)
			switch {
			case errcode.Of(err) == errcode.NotFound:
				t.d.Printf("%-40s unset\n", k)
			case err != nil:
				t.d.Printf("%-40s error: %v\n", k, err)
			default:
				t.d.Printf("%-40s %x\n", k, v)
			}
		}
	case 2:
		k, ok := nvram.ParseKey(strings.ToUpper(args[0]))
		if !ok {
			t.d.Printf("Unknown key %q\n", args[0])
			return
		}
		bits := 8 * k.Size()
		if bits != 8 && bits != 32 {
			t.d.Printf("%s cannot be set here\n", k)
			return
		}
		v, err := strconv.ParseUint(args[1], 0, bits)
		if err != nil {
			t.d.Printf("Bad value %q\n", args[1])
			return
		}
		if bits == 8 {
			err = nvram.PutU8(s, k, uint8(v))
		} else {
			err = nvram.PutU32(s, k, uint32(v))
		}
		if err != nil {
			t.d.Printf("Failed to set %s: %v\n", k, err)
			return
		}
		t.d.Printf("%s = %d\n", k, v)
	default:
		t.d.Printf("usage: nvram [key value]\n")
	}
}

func (t *CLI) doNoUpload(args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		on, _ := nvram.GetBool(t.d.NVRAM, nvram.NoUploadFlag)
		t.d.Printf("noupload is %t; usage: noupload on|off\n", on)
		return
	}
	if err := nvram.PutBool(t.d.NVRAM, nvram.NoUploadFlag, args[0] == "on"); err != nil {
		t.d.Printf("Failed to set noupload: %v\n", err)
		return
	}
	t.d.Printf("noupload %s\n", args[0])
}

func (t *CLI) doVersion(_ []string) {
	version.PrintBanner(t.d.Console)
}
