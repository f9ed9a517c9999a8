package schedule

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	mu    sync.Mutex
	count int
	deny  bool
}

func (t *countingTarget) Tell(msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deny {
		return assertErrStub("target gone")
	}
	t.count++
	return nil
}

func (t *countingTarget) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

type assertErrStub string

func (e assertErrStub) Error() string { return string(e) }

func TestParse_RejectsInvalidExpression(t *testing.T) {
	_, err := Parse("not a cron expression")
	assert.Error(t, err)
}

func TestMessage_FiresEverySecond(t *testing.T) {
	target := &countingTarget{}
	msg, err := New("* * * * * *", "tick", target, func() any { return "tick" })
	require.NoError(t, err)
	defer msg.Stop()

	time.Sleep(2200 * time.Millisecond)
	assert.GreaterOrEqual(t, target.Count(), 2)
}

func TestMessage_ExitsWhenTargetRefuses(t *testing.T) {
	target := &countingTarget{deny: true}
	msg, err := New("* * * * * *", "tick", target, func() any { return "tick" })
	require.NoError(t, err)

	select {
	case <-msg.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after target refused")
	}
}

func TestMessage_StopEndsLoop(t *testing.T) {
	target := &countingTarget{}
	msg, err := New("* * * * * *", "tick", target, func() any { return "tick" })
	require.NoError(t, err)

	msg.Stop()
	msg.Wait()
}
