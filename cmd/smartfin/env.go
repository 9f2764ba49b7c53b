package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartfin-go/flash"
	"smartfin-go/nvram"
)

// Data directory layout.
const (
	flashDir      = "flash"
	nvramFile     = "nvram.bin"
	deviceIDFile  = "device_id"
	waterMarker   = "water"
	chargerMarker = "charger"
	deviceIDChars = 24
)

// env is the persistent part of a host device.
type env struct {
	dir string
	id  string
	fs  *flash.DirFS
	nv  *nvram.File
}

func openEnv(dir string, log *zap.Logger) (*env, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	id, err := deviceID(filepath.Join(dir, deviceIDFile))
	if err != nil {
		return nil, err
	}
	fsys, err := flash.NewDir(filepath.Join(dir, flashDir))
	if err != nil {
		return nil, err
	}
	nv, err := nvram.OpenFile(filepath.Join(dir, nvramFile), log)
	if err != nil {
		return nil, err
	}
	return &env{dir: dir, id: id, fs: fsys, nv: nv}, nil
}

func (e *env) marker(name string) string { return filepath.Join(e.dir, name) }

// deviceID returns the id stored at path, minting one on first use. The id
// is 24 lowercase hex digits, the shape of a cellular module id.
func deviceID(path string) (string, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:deviceIDChars]
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
