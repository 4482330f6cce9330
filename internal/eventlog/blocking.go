package eventlog

import (
	"context"
	"time"
)

func (l *Log) appendSignal() <-chan struct{} {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until either a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	ch := l.appendSignal()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitForAppendContext is WaitForAppend bounded by ctx instead of a timeout.
func (l *Log) WaitForAppendContext(ctx context.Context) error {
	select {
	case <-l.appendSignal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
