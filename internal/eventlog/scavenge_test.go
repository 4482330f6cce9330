package eventlog

import (
	"context"
	"testing"
)

type captureHook struct {
	min, max int64
	count    int
	calls    int
}

func (c *captureHook) EmitScavengedRange(minPos, maxPos int64, count int) {
	c.min, c.max = minPos, maxPos
	c.count += count
	c.calls++
}

func TestScavengeDeletesRejectedRecords(t *testing.T) {
	l := newTestLog(t)
	pos := appendN(t, l, 3)
	hook := &captureHook{}
	l.SetScavengeHook(hook)

	keepOnlyC := func(rec Record) bool {
		p, ok := rec.(*PrepareRecord)
		return ok && string(p.Data) == "c"
	}
	res, err := l.Scavenge(context.Background(), keepOnlyC, 1, 0)
	if err != nil {
		t.Fatalf("scavenge: %v", err)
	}
	if res.Scanned != 3 || res.Deleted != 2 || res.LastDeleted != pos[1] {
		t.Fatalf("unexpected result %+v", res)
	}
	if hook.calls != 2 || hook.count != 2 || hook.max != pos[1] {
		t.Fatalf("hook not called per batch: %+v", hook)
	}

	r := l.NewReader()
	at, err := r.TryReadAt(pos[0], true)
	if err != nil || at.Success {
		t.Fatalf("scavenged record still readable: %+v %v", at, err)
	}
	next, err := r.TryReadNext()
	if err != nil || !next.Success || next.PrePosition != pos[2] {
		t.Fatalf("sequential read should skip the gap: %+v %v", next, err)
	}
}
