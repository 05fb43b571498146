package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetwire/fleetwire/pkg/agent"
	"github.com/fleetwire/fleetwire/pkg/wire"
	"github.com/fleetwire/fleetwire/pkg/worker"
)

// Framework errors.
var (
	ErrStepRegistered   = errors.New("step already registered")
	ErrUnknownStep      = errors.New("unknown step")
	ErrContextType      = errors.New("context type does not match step")
	ErrNilContinuation  = errors.New("continuation is nil")
	ErrContinuationFail = errors.New("continuation failed")
)

// Step names a continuation.
type Step string

// Result is the outcome delivered to a continuation.
type Result struct {
	HostID   string
	Sequence uint64
	Answers  []*wire.Answer
	Err      error
}

// OK reports whether every command was answered successfully.
func (r Result) OK() bool {
	if r.Err != nil {
		return false
	}
	for _, a := range r.Answers {
		if a == nil || !a.Success {
			return false
		}
	}
	return true
}

// Token correlates one pending result with its continuation.
type Token struct {
	ID        string
	Step      Step
	Data      any
	CreatedAt time.Time
}

type continuation struct {
	accepts func(data any) bool
	call    func(ctx context.Context, data any, r Result) error
}

// Config configures the callback-dispatch pool.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256}
}

// Option configures a Framework.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry prometheus.Registerer
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics exports the callback pool's metrics to reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Framework holds the registered continuations and the outstanding tokens.
type Framework struct {
	logger *slog.Logger
	exec   *worker.Executor

	mu     sync.Mutex
	ctx    context.Context
	steps  map[Step]continuation
	tokens map[string]*Token
}

// New creates a framework. Zero config fields take defaults.
func New(config Config, opts ...Option) *Framework {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}

	poolOpts := []worker.Option[func()]{worker.WithLogger[func()](o.logger)}
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[func()](o.registry, "fleetwire", "callback_pool"))
	}

	return &Framework{
		logger: o.logger,
		exec:   worker.NewExecutor(config.Workers, config.QueueSize, poolOpts...),
		ctx:    context.Background(),
		steps:  make(map[Step]continuation),
		tokens: make(map[string]*Token),
	}
}

// Register binds fn to step. Tokens for step must carry a C as context.
func Register[C any](f *Framework, step Step, fn func(ctx context.Context, data C, r Result) error) error {
	if fn == nil {
		return ErrNilContinuation
	}
	c := continuation{
		accepts: func(data any) bool {
			if data == nil {
				var zero C
				return any(zero) == nil
			}
			_, ok := data.(C)
			return ok
		},
		call: func(ctx context.Context, data any, r Result) error {
			var c C
			if data != nil {
				c = data.(C)
			}
			return fn(ctx, c, r)
		},
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.steps[step]; exists {
		return fmt.Errorf("%w: %s", ErrStepRegistered, step)
	}
	f.steps[step] = c
	return nil
}

// CreateToken creates a single-use token for step carrying data.
func (f *Framework) CreateToken(step Step, data any) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.steps[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	if !c.accepts(data) {
		return nil, fmt.Errorf("%w: %s got %T", ErrContextType, step, data)
	}

	tok := &Token{
		ID:        uuid.NewString(),
		Step:      step,
		Data:      data,
		CreatedAt: time.Now(),
	}
	f.tokens[tok.ID] = tok
	return tok, nil
}

// Complete delivers r to the continuation of tokenID. It returns false,
// and does nothing else, if the token is unknown or already completed.
func (f *Framework) Complete(tokenID string, r Result) bool {
	f.mu.Lock()
	tok, ok := f.tokens[tokenID]
	if !ok {
		f.mu.Unlock()
		f.logger.Debug("token already completed or unknown", "token", tokenID)
		return false
	}
	delete(f.tokens, tokenID)
	c := f.steps[tok.Step]
	ctx := f.ctx
	f.mu.Unlock()

	f.exec.Run(func() {
		if err := f.run(ctx, c, tok, r); err != nil {
			f.logger.Warn("continuation failed", "step", tok.Step, "token", tok.ID, "host_id", r.HostID, "error", err)
		}
	})
	return true
}

func (f *Framework) run(ctx context.Context, c continuation, tok *Token, r Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrContinuationFail, p)
		}
	}()
	return c.call(ctx, tok.Data, r)
}

// Discard drops tokenID without running its continuation.
func (f *Framework) Discard(tokenID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[tokenID]
	delete(f.tokens, tokenID)
	return ok
}

// Pending returns the number of outstanding tokens.
func (f *Framework) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

// Start starts the callback-dispatch pool. Continuations receive ctx.
func (f *Framework) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	return f.exec.Start(ctx)
}

// Stop drains the pool, waiting up to timeout for running continuations.
func (f *Framework) Stop(timeout time.Duration) error {
	return f.exec.Stop(timeout)
}

// Stats returns the callback pool statistics.
func (f *Framework) Stats() worker.Stats {
	return f.exec.Stats()
}

// Handler returns an agent.AnswerHandler that completes tok.
func (f *Framework) Handler(tok *Token) agent.AnswerHandler {
	return tokenHandler{f: f, id: tok.ID}
}

type tokenHandler struct {
	f  *Framework
	id string
}

func (h tokenHandler) ProcessAnswers(hostID string, seq uint64, answers []*wire.Answer) {
	h.f.Complete(h.id, Result{HostID: hostID, Sequence: seq, Answers: answers})
}

func (h tokenHandler) ProcessTimeout(hostID string, seq uint64, err error) {
	h.f.Complete(h.id, Result{HostID: hostID, Sequence: seq, Err: err})
}

var _ agent.AnswerHandler = tokenHandler{}

// AsyncSender is the part of agent.Dispatcher used by Dispatch.
type AsyncSender interface {
	SendAsync(hostID string, handler agent.AnswerHandler, cmds ...*wire.Command) (uint64, error)
}

// Dispatch creates a token for step and sends cmds to hostID with the
// token as the answer handler. If the send fails the token is discarded
// and the error returned; the continuation does not run.
func (f *Framework) Dispatch(d AsyncSender, hostID string, step Step, data any, cmds ...*wire.Command) (*Token, error) {
	tok, err := f.CreateToken(step, data)
	if err != nil {
		return nil, err
	}
	if _, err := d.SendAsync(hostID, f.Handler(tok), cmds...); err != nil {
		f.Discard(tok.ID)
		return nil, err
	}
	return tok, nil
}
