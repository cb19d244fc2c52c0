package test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
)

var _ log.Logger = (*TestingLogger)(nil)

// TestingLogger routes component logs to t.Log so failures carry the
// pipeline's own account of what happened. Writes after the test ends are
// dropped instead of panicking.
type TestingLogger struct {
	t    testing.TB
	mtx  *sync.Mutex
	done atomic.Bool
}

func NewTestingLogger(t testing.TB) *TestingLogger {
	logger := &TestingLogger{
		t:   t,
		mtx: &sync.Mutex{},
	}
	t.Cleanup(func() {
		logger.done.Store(true)
	})
	return logger
}

func (l *TestingLogger) Log(keyvals ...interface{}) error {
	if l.done.Load() {
		return nil
	}

	// Prepend log with timestamp.
	keyvals = append([]interface{}{time.Now().String()}, keyvals...)

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if l.done.Load() {
		return nil
	}

	l.t.Log(keyvals...)

	return nil
}
