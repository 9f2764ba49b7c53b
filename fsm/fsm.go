// Package fsm drives the operating-mode state machine: one task per state,
// each entered with Init, run until it picks the next state, then left with
// Exit.
package fsm

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"smartfin-go/bus"
	"smartfin-go/errcode"
	"smartfin-go/flog"
)

// State is an operating mode.
type State uint8

const (
	Null State = iota
	Charge
	CLI
	MfgTest
	SessionInit
	Deployed
	Upload
	DeepSleep
	TempCal
)

var stateNames = [...]string{
	Null:        "null",
	Charge:      "charge",
	CLI:         "cli",
	MfgTest:     "mfg_test",
	SessionInit: "session_init",
	Deployed:    "deployed",
	Upload:      "upload",
	DeepSleep:   "deep_sleep",
	TempCal:     "temp_cal",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool { return int(s) < len(stateNames) }

// ParseState accepts the names String returns.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Null, errcode.New(errcode.InvalidParams, "fsm.parse", name)
}

// Task is one state's behavior. Run blocks until an exit condition and
// returns the next state; returning Null stops the machine.
type Task interface {
	Init(ctx context.Context)
	Run(ctx context.Context) State
	Exit()
}

// edges is the declared transition graph.
var edges = map[State][]State{
	Charge:      {CLI, DeepSleep, SessionInit, Upload, TempCal},
	CLI:         {Charge, MfgTest, SessionInit, Upload, DeepSleep, TempCal},
	MfgTest:     {CLI},
	SessionInit: {Deployed, DeepSleep},
	Deployed:    {Upload, DeepSleep},
	Upload:      {DeepSleep, SessionInit, Charge},
	DeepSleep:   {Charge, Upload, TempCal},
	TempCal:     {DeepSleep},
}

// Allowed reports whether from → to is a declared edge.
func Allowed(from, to State) bool { return slices.Contains(edges[from], to) }

// TopicState carries the current state, retained.
var TopicState = bus.T("sys", "state")

// Transition is published on TopicState.
type Transition struct {
	From State
	To   State
}

// Machine owns the current state.
type Machine struct {
	tasks map[State]Task
	flog  *flog.Log
	conn  *bus.Connection
	log   *zap.Logger

	state State
}

// New returns a machine over tasks. flog and conn may be nil.
func New(tasks map[State]Task, fl *flog.Log, conn *bus.Connection, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{tasks: tasks, flog: fl, conn: conn, log: log.Named("fsm")}
}

// State returns the state being run. Only meaningful from the Run goroutine
// or after Run returns.
func (m *Machine) State() State { return m.state }

func (m *Machine) fault(c flog.Code, param uint16) {
	if m.flog != nil {
		m.flog.Add(c, param)
	}
}

func (m *Machine) publish(from, to State) {
	if m.conn != nil {
		m.conn.Publish(m.conn.NewMessage(TopicState, Transition{From: from, To: to}, true))
	}
}

// resolve maps a requested state to one with a task. Unknown states fall
// back to DeepSleep.
func (m *Machine) resolve(s State) (State, Task, error) {
	if t, ok := m.tasks[s]; ok && s.Valid() && s != Null {
		return s, t, nil
	}
	m.log.Error("no task for state, sleeping", zap.Uint8("state", uint8(s)))
	m.fault(flog.SysBadState, uint16(s))
	if t, ok := m.tasks[DeepSleep]; ok {
		return DeepSleep, t, nil
	}
	return Null, nil, errcode.New(errcode.InvalidState, "fsm.run", "no deep sleep task")
}

// Run loops init → run → exit starting at initial until a task returns
// Null or ctx ends.
func (m *Machine) Run(ctx context.Context, initial State) error {
	state, task, err := m.resolve(initial)
	if err != nil {
		return err
	}
	m.fault(flog.SysStartState, uint16(state))
	prev := Null
	for {
		m.state = state
		m.log.Info("enter", zap.Stringer("state", state), zap.Stringer("from", prev))
		m.publish(prev, state)

		m.fault(flog.SysInitState, uint16(state))
		task.Init(ctx)
		next := task.Run(ctx)
		m.fault(flog.SysExitState, uint16(state))
		task.Exit()

		if err := ctx.Err(); err != nil {
			return err
		}
		if next == Null {
			m.log.Info("stopped", zap.Stringer("state", state))
			return nil
		}
		if !Allowed(state, next) {
			m.log.Warn("unexpected transition", zap.Stringer("from", state), zap.Stringer("to", next))
			m.fault(flog.SysBadEdge, uint16(state)<<8|uint16(next))
		}
		prev = state
		if state, task, err = m.resolve(next); err != nil {
			return err
		}
	}
}
