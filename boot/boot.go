// Package boot persists the directive read once at power-up to alter the
// normal state machine entry, and the upload retry countdown built on it.
package boot

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"smartfin-go/errcode"
	"smartfin-go/nvram"
)

// Behavior is the pending special action for the next boot.
type Behavior uint8

const (
	Normal Behavior = iota
	TempCalStart
	TempCalContinue
	UploadReattempt
)

func (b Behavior) String() string {
	switch b {
	case Normal:
		return "normal"
	case TempCalStart:
		return "tempcal_start"
	case TempCalContinue:
		return "tempcal_continue"
	case UploadReattempt:
		return "upload_reattempt"
	}
	return "unknown"
}

// Parse accepts the String form, case-insensitively.
func Parse(s string) (Behavior, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for b := Normal; b <= UploadReattempt; b++ {
		if b.String() == s {
			return b, nil
		}
	}
	return Normal, errcode.New(errcode.InvalidParams, "boot.parse", s)
}

// Manager keeps the in-memory behavior for this boot and mirrors every
// change to the store together with the validity flag.
type Manager struct {
	mu  sync.Mutex
	s   nvram.Store
	cur Behavior
	log *zap.Logger
}

func New(s nvram.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{s: s, log: log.Named("boot")}
}

// Load reads the persisted behavior once per power cycle. The validity flag
// is cleared so a later boot without an intervening Set or Commit starts
// Normal. Missing or unreadable values also yield Normal.
func (m *Manager) Load() Behavior {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cur = Normal
	valid, err := nvram.GetBool(m.s, nvram.NVRAMValid)
	if err != nil || !valid {
		return m.cur
	}
	v, err := nvram.GetU8(m.s, nvram.BootBehavior)
	if err != nil || Behavior(v) > UploadReattempt {
		m.log.Warn("boot behavior unreadable", zap.Uint8("raw", v), zap.Error(err))
		return m.cur
	}
	m.cur = Behavior(v)
	if err := nvram.PutBool(m.s, nvram.NVRAMValid, false); err != nil {
		m.log.Warn("failed to clear boot flag", zap.Error(err))
	}
	m.log.Info("boot behavior loaded", zap.Stringer("behavior", m.cur))
	return m.cur
}

func (m *Manager) Get() Behavior {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Set changes the behavior and persists it as valid.
func (m *Manager) Set(b Behavior) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(b)
}

// Commit persists the current behavior, re-arming the validity flag before
// power-down.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(m.cur)
}

func (m *Manager) setLocked(b Behavior) error {
	if b > UploadReattempt {
		return errcode.New(errcode.InvalidParams, "boot.set", "unknown behavior")
	}
	m.cur = b
	err := errors.Join(
		nvram.PutU8(m.s, nvram.BootBehavior, uint8(b)),
		nvram.PutBool(m.s, nvram.NVRAMValid, true),
	)
	return errcode.Wrap(errcode.IOError, "boot.set", err)
}

// ----------------------------------------------------------------------------
// Upload retry
// ----------------------------------------------------------------------------

// RecordConnectFailure books one failed upload connection. The first failure
// arms UploadReattempt with maxAttempts; each following failure spends one,
// and spending the last returns to Normal. The caller sleeps regardless.
func (m *Manager) RecordConnectFailure(maxAttempts uint8) (remaining uint8, b Behavior, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != UploadReattempt {
		remaining = maxAttempts
	} else {
		n, gerr := nvram.GetU8(m.s, nvram.UploadReattempts)
		if gerr != nil {
			m.log.Warn("retry counter unreadable", zap.Error(gerr))
			n = 1
		}
		if n > 0 {
			n--
		}
		remaining = n
	}

	if remaining == 0 {
		err = errors.Join(m.setLocked(Normal), nvram.PutU8(m.s, nvram.UploadReattempts, 0))
	} else {
		err = errors.Join(m.setLocked(UploadReattempt), nvram.PutU8(m.s, nvram.UploadReattempts, remaining))
	}
	m.log.Info("upload connect failed",
		zap.Uint8("remaining", remaining), zap.Stringer("behavior", m.cur))
	return remaining, m.cur, err
}

// RecordUploadComplete clears any pending retry after a full drain.
func (m *Manager) RecordUploadComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.setLocked(Normal), nvram.PutU8(m.s, nvram.UploadReattempts, 0))
}

// Retries reports the persisted retry countdown; absent reads as zero.
func (m *Manager) Retries() (uint8, error) {
	n, err := nvram.GetU8(m.s, nvram.UploadReattempts)
	if errcode.Of(err) == errcode.NotFound {
		return 0, nil
	}
	return n, err
}
