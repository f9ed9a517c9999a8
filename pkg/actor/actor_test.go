package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoActor struct {
	startedCh chan struct{}
	stoppedCh chan struct{}
}

func (e *echoActor) Started(ctx *Context) error {
	if e.startedCh != nil {
		close(e.startedCh)
	}
	return nil
}

func (e *echoActor) Receive(ctx *Context, msg any) (any, error) {
	if s, ok := msg.(string); ok && s == "panic" {
		panic("boom")
	}
	return msg, nil
}

func (e *echoActor) Stopped(ctx *Context) TerminalState {
	if e.stoppedCh != nil {
		close(e.stoppedCh)
	}
	return Succeeded
}

func TestActor_CallRoundTrips(t *testing.T) {
	addr := Spawn("echo", &echoActor{})
	defer addr.Stop()

	val, err := addr.Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", val)
}

func TestActor_StopDrainsAndRunsStopped(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	addr := Spawn("echo", &echoActor{startedCh: started, stoppedCh: stopped})

	<-started
	require.NoError(t, addr.Tell("one"))
	addr.Stop()
	addr.Wait()

	select {
	case <-stopped:
	default:
		t.Fatal("Stopped was not called")
	}
	assert.Equal(t, PhaseStopped, addr.Status().Phase)
	assert.Equal(t, Succeeded, addr.Status().Terminal)
}

func TestActor_TellAfterStopFails(t *testing.T) {
	addr := Spawn("echo", &echoActor{})
	addr.Stop()
	addr.Wait()

	err := addr.Tell("too late")
	assert.ErrorIs(t, err, ErrTargetGone)
}

func TestActor_PanicInReceiveBecomesZombie(t *testing.T) {
	addr := Spawn("echo", &echoActor{})
	require.NoError(t, addr.Tell("panic"))
	addr.Wait()

	status := addr.Status()
	assert.Equal(t, PhaseZombie, status.Phase)
	assert.Equal(t, Faulted, status.Terminal)
}

func TestWeakAddress_UpgradeFailsAfterStop(t *testing.T) {
	addr := Spawn("echo", &echoActor{})
	weak := addr.Weak()

	if _, ok := weak.Upgrade(); !ok {
		t.Fatal("expected upgrade to succeed while actor is alive")
	}

	addr.Stop()
	addr.Wait()

	_, ok := weak.Upgrade()
	assert.False(t, ok)
}

type failToStartActor struct{}

func (failToStartActor) Started(ctx *Context) error       { return assertErr }
func (failToStartActor) Receive(ctx *Context, msg any) (any, error) { return nil, nil }
func (failToStartActor) Stopped(ctx *Context) TerminalState        { return Succeeded }

var assertErr = errStub("boom")

type errStub string

func (e errStub) Error() string { return string(e) }

func TestActor_FailedStartNeverProcessesMessages(t *testing.T) {
	addr := Spawn("broken", failToStartActor{})
	addr.Wait()

	status := addr.Status()
	assert.Equal(t, PhaseStopped, status.Phase)
	assert.Equal(t, Faulted, status.Terminal)
}

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[int]()
	_, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()

	b.Publish(42)

	select {
	case v := <-ch1:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received publish")
	}
	select {
	case v := <-ch2:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received publish")
	}

	b.Unsubscribe(id2)
	b.Publish(7)
	select {
	case v, ok := <-ch2:
		assert.False(t, ok, "unsubscribed channel should be closed, got %v", v)
	case <-time.After(time.Second):
		t.Fatal("unsubscribed channel was never closed")
	}
}
