package agent

import (
	"time"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

// AnswerHandler receives the outcome of SendAsync. Exactly one method is
// called, exactly once.
type AnswerHandler interface {
	// ProcessAnswers is called with one answer per command, in command order.
	ProcessAnswers(hostID string, seq uint64, answers []*wire.Answer)

	// ProcessTimeout is called when the call failed. err wraps
	// ErrOperationTimedOut or ErrConnectionClosed.
	ProcessTimeout(hostID string, seq uint64, err error)
}

// AnswerHandlerFuncs adapts plain functions to AnswerHandler.
type AnswerHandlerFuncs struct {
	Answers func(hostID string, seq uint64, answers []*wire.Answer)
	Timeout func(hostID string, seq uint64, err error)
}

// ProcessAnswers implements AnswerHandler.
func (f AnswerHandlerFuncs) ProcessAnswers(hostID string, seq uint64, answers []*wire.Answer) {
	if f.Answers != nil {
		f.Answers(hostID, seq, answers)
	}
}

// ProcessTimeout implements AnswerHandler.
func (f AnswerHandlerFuncs) ProcessTimeout(hostID string, seq uint64, err error) {
	if f.Timeout != nil {
		f.Timeout(hostID, seq, err)
	}
}

// Observer receives dispatch counters. Implementations must not block.
type Observer interface {
	CommandsSent(hostID string, n int)
	AnswerReceived(hostID string, latency time.Duration, success bool)
	LateAnswer(hostID string)
	CommandsTimedOut(hostID string, n int)
	CommandsFailed(hostID string, n int)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) CommandsSent(string, int) {}
func (NopObserver) AnswerReceived(string, time.Duration, bool) {}
func (NopObserver) LateAnswer(string) {}
func (NopObserver) CommandsTimedOut(string, int) {}
func (NopObserver) CommandsFailed(string, int) {}

var (
	_ AnswerHandler = AnswerHandlerFuncs{}
	_ Observer      = NopObserver{}
)
