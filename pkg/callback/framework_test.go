package callback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/agent"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

const (
	stepReserve   Step = "reserve"
	stepProvision Step = "provision"
)

type vmRequest struct {
	Name string
}

func startFramework(t *testing.T) *Framework {
	t.Helper()
	f := New(Config{Workers: 2, QueueSize: 8})
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { f.Stop(time.Second) })
	return f
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := New(DefaultConfig())
	fn := func(context.Context, *vmRequest, Result) error { return nil }

	require.NoError(t, Register(f, stepReserve, fn))
	assert.ErrorIs(t, Register(f, stepReserve, fn), ErrStepRegistered)
	assert.ErrorIs(t, Register[*vmRequest](f, stepProvision, nil), ErrNilContinuation)
}

func TestCreateTokenChecksStepAndContext(t *testing.T) {
	f := New(DefaultConfig())
	require.NoError(t, Register(f, stepReserve, func(context.Context, *vmRequest, Result) error { return nil }))

	_, err := f.CreateToken(stepProvision, &vmRequest{})
	assert.ErrorIs(t, err, ErrUnknownStep)

	_, err = f.CreateToken(stepReserve, "not a request")
	assert.ErrorIs(t, err, ErrContextType)

	tok, err := f.CreateToken(stepReserve, &vmRequest{Name: "vm-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, stepReserve, tok.Step)
	assert.Equal(t, 1, f.Pending())
}

func TestNilContextForInterfaceSteps(t *testing.T) {
	f := New(DefaultConfig())
	require.NoError(t, Register(f, stepReserve, func(context.Context, any, Result) error { return nil }))
	require.NoError(t, Register(f, stepProvision, func(context.Context, vmRequest, Result) error { return nil }))

	_, err := f.CreateToken(stepReserve, nil)
	assert.NoError(t, err)
	_, err = f.CreateToken(stepProvision, nil)
	assert.ErrorIs(t, err, ErrContextType)
}

func TestCompleteRunsContinuationOnce(t *testing.T) {
	f := startFramework(t)

	got := make(chan Result, 2)
	var seen atomic.Pointer[vmRequest]
	require.NoError(t, Register(f, stepReserve, func(_ context.Context, req *vmRequest, r Result) error {
		seen.Store(req)
		got <- r
		return nil
	}))

	req := &vmRequest{Name: "vm-1"}
	tok, err := f.CreateToken(stepReserve, req)
	require.NoError(t, err)

	assert.True(t, f.Complete(tok.ID, Result{HostID: "h1", Sequence: 7}))
	assert.False(t, f.Complete(tok.ID, Result{HostID: "h1", Sequence: 8}))

	select {
	case r := <-got:
		assert.Equal(t, uint64(7), r.Sequence)
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
	assert.Same(t, req, seen.Load())
	assert.Zero(t, f.Pending())

	select {
	case r := <-got:
		t.Fatalf("continuation ran twice: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConcurrentCompleteHasOneWinner(t *testing.T) {
	f := startFramework(t)

	var runs atomic.Int32
	require.NoError(t, Register(f, stepReserve, func(context.Context, *vmRequest, Result) error {
		runs.Add(1)
		return nil
	}))
	tok, err := f.CreateToken(stepReserve, &vmRequest{})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Complete(tok.ID, Result{}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestFailingContinuationDoesNotStopOthers(t *testing.T) {
	f := startFramework(t)

	done := make(chan string, 2)
	require.NoError(t, Register(f, stepReserve, func(context.Context, *vmRequest, Result) error {
		panic("broken step")
	}))
	require.NoError(t, Register(f, stepProvision, func(_ context.Context, req *vmRequest, _ Result) error {
		done <- req.Name
		return errors.New("provisioning failed")
	}))

	bad, err := f.CreateToken(stepReserve, &vmRequest{})
	require.NoError(t, err)
	good, err := f.CreateToken(stepProvision, &vmRequest{Name: "vm-2"})
	require.NoError(t, err)

	f.Complete(bad.ID, Result{})
	f.Complete(good.ID, Result{})
	assert.Equal(t, "vm-2", <-done)
}

func TestResultOK(t *testing.T) {
	assert.True(t, Result{Answers: []*wire.Answer{wire.NewAnswer(1, true, nil)}}.OK())
	assert.False(t, Result{Answers: []*wire.Answer{wire.NewAnswer(1, false, nil)}}.OK())
	assert.False(t, Result{Err: agent.ErrOperationTimedOut}.OK())
}

// fakeSender completes handlers according to its mode.
type fakeSender struct {
	err     error
	timeout bool
}

func (s fakeSender) SendAsync(hostID string, h agent.AnswerHandler, cmds ...*wire.Command) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.timeout {
		go h.ProcessTimeout(hostID, 1, agent.ErrOperationTimedOut)
		return 1, nil
	}
	answers := make([]*wire.Answer, len(cmds))
	for i := range cmds {
		answers[i] = wire.NewAnswer(uint64(i+1), true, nil)
	}
	go h.ProcessAnswers(hostID, 1, answers)
	return 1, nil
}

func TestDispatchChainsSteps(t *testing.T) {
	f := startFramework(t)
	sender := fakeSender{}

	finished := make(chan Result, 1)
	require.NoError(t, Register(f, stepProvision, func(_ context.Context, _ *vmRequest, r Result) error {
		finished <- r
		return nil
	}))
	require.NoError(t, Register(f, stepReserve, func(_ context.Context, req *vmRequest, r Result) error {
		if !r.OK() {
			return r.Err
		}
		_, err := f.Dispatch(sender, r.HostID, stepProvision, req, wire.NewCommand([]byte("provision")))
		return err
	}))

	_, err := f.Dispatch(sender, "h1", stepReserve, &vmRequest{Name: "vm-1"}, wire.NewCommand([]byte("reserve")))
	require.NoError(t, err)

	select {
	case r := <-finished:
		assert.True(t, r.OK())
		assert.Equal(t, "h1", r.HostID)
	case <-time.After(time.Second):
		t.Fatal("chain did not finish")
	}
	assert.Eventually(t, func() bool { return f.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestDispatchDeliversTimeouts(t *testing.T) {
	f := startFramework(t)

	got := make(chan Result, 1)
	require.NoError(t, Register(f, stepReserve, func(_ context.Context, _ *vmRequest, r Result) error {
		got <- r
		return nil
	}))

	_, err := f.Dispatch(fakeSender{timeout: true}, "h1", stepReserve, &vmRequest{}, wire.NewCommand(nil))
	require.NoError(t, err)
	r := <-got
	assert.ErrorIs(t, r.Err, agent.ErrOperationTimedOut)
	assert.False(t, r.OK())
}

func TestDispatchDiscardsTokenOnSendError(t *testing.T) {
	f := startFramework(t)
	require.NoError(t, Register(f, stepReserve, func(context.Context, *vmRequest, Result) error {
		t.Error("continuation must not run")
		return nil
	}))

	_, err := f.Dispatch(fakeSender{err: agent.ErrAgentUnavailable}, "h1", stepReserve, &vmRequest{}, wire.NewCommand(nil))
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)
	assert.Zero(t, f.Pending())
}

func TestCompleteBeforeStartStillRuns(t *testing.T) {
	f := New(DefaultConfig())
	done := make(chan struct{})
	require.NoError(t, Register(f, stepReserve, func(context.Context, *vmRequest, Result) error {
		close(done)
		return nil
	}))
	tok, err := f.CreateToken(stepReserve, &vmRequest{})
	require.NoError(t, err)

	require.True(t, f.Complete(tok.ID, Result{}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
}
