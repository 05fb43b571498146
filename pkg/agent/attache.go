package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Link is the transport connection of one agent.
type Link interface {
	Send(data []byte) error
	Close() error
}

// Info describes a connected agent as announced in its handshake.
type Info struct {
	HostID         string
	DataCenterID   string
	HypervisorType string
	Version        uint16
	RemoteAddr     string
	ConnectedAt    time.Time
}

// InfoFromHandshake copies the identifying fields of hs.
func InfoFromHandshake(hs *wire.Handshake) Info {
	return Info{
		HostID:         hs.HostID,
		DataCenterID:   hs.DataCenterID,
		HypervisorType: hs.HypervisorType,
		Version:        hs.Version,
		ConnectedAt:    time.Now(),
	}
}

// completion is called exactly once per waiter, outside every lock.
// unanswered lists the sequences that resolved without an answer.
type completion func(answers []*wire.Answer, err error, unanswered []uint64)

// waiter collects the answers of one Send or SendAsync call.
type waiter struct {
	first     uint64
	answers   []*wire.Answer
	remaining int
	sentAt    time.Time
	deadline  time.Time
	resolved  bool
	complete  completion
}

func (w *waiter) owns(seq uint64) bool {
	return seq >= w.first && seq < w.first+uint64(len(w.answers))
}

// outbound is an encoded command ready to be written.
type outbound struct {
	seq        uint64
	inSequence bool
	data       []byte
	w          *waiter
}

// resolution is a waiter outcome decided under the lock and delivered
// after it is released.
type resolution struct {
	w          *waiter
	err        error
	unanswered []uint64
}

// Attache is the manager-side state of one connected agent.
type Attache struct {
	info   Info
	link   Link
	logger *slog.Logger
	proto  log.Logger

	// sendMu orders writes to the link; it is never taken while mu is held.
	sendMu sync.Mutex

	mu       sync.Mutex
	nextSeq  uint64
	pending  map[uint64]*waiter
	fifo     []outbound
	inflight bool
	head     uint64
	closed   bool
}

func newAttache(info Info, link Link, logger *slog.Logger, proto log.Logger) *Attache {
	return &Attache{
		info:    info,
		link:    link,
		logger:  logger,
		proto:   proto,
		nextSeq: 1,
		pending: make(map[uint64]*waiter),
	}
}

// Info returns the handshake information of the agent.
func (a *Attache) Info() Info {
	return a.info
}

// HostID returns the host id of the agent.
func (a *Attache) HostID() string {
	return a.info.HostID
}

// Link returns the transport link.
func (a *Attache) Link() Link {
	return a.link
}

// Pending returns the number of commands awaiting an answer.
func (a *Attache) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Queued returns the number of in-sequence commands not yet written.
func (a *Attache) Queued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fifo)
}

// Closed reports whether the attache has been torn down.
func (a *Attache) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// submit assigns consecutive sequence numbers to cmds, registers w for all
// of them and writes every command that may go out now. The caller's
// commands are not modified. It returns the first sequence number.
func (a *Attache) submit(cmds []*wire.Command, w *waiter) (uint64, error) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrConnectionClosed
	}

	first := a.nextSeq
	frames := make([]outbound, len(cmds))
	for i, cmd := range cmds {
		c := *cmd
		c.Sequence = first + uint64(i)
		data, err := wire.EncodeCommand(&c)
		if err != nil {
			a.mu.Unlock()
			return 0, fmt.Errorf("encode command %d: %w", i, err)
		}
		frames[i] = outbound{seq: c.Sequence, inSequence: c.InSequence, data: data, w: w}
	}
	a.nextSeq += uint64(len(cmds))

	w.first = first
	w.answers = make([]*wire.Answer, len(cmds))
	w.remaining = len(cmds)
	w.sentAt = time.Now()

	var now []outbound
	for _, f := range frames {
		a.pending[f.seq] = w
		switch {
		case !f.inSequence:
			now = append(now, f)
		case !a.inflight:
			a.inflight = true
			a.head = f.seq
			now = append(now, f)
		default:
			a.fifo = append(a.fifo, f)
		}
	}
	a.mu.Unlock()

	a.deliver(a.write(now))
	return first, nil
}

// write sends frames in order. A failed write fails the owning waiter,
// which may release the next in-sequence command. Caller holds sendMu.
func (a *Attache) write(frames []outbound) []resolution {
	var out []resolution
	for len(frames) > 0 {
		f := frames[0]
		frames = frames[1:]

		a.mu.Lock()
		skip := f.w.resolved
		a.mu.Unlock()
		if skip {
			continue
		}

		if err := a.link.Send(f.data); err != nil {
			a.logger.Debug("command write failed", "host_id", a.info.HostID, "seq", f.seq, "error", err)
			a.mu.Lock()
			res, next := a.resolveLocked(f.w, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			a.mu.Unlock()
			if res != nil {
				out = append(out, *res)
			}
			frames = append(frames, next...)
			continue
		}

		a.logCommand(f)
	}
	return out
}

// flush writes released in-sequence commands.
func (a *Attache) flush(frames []outbound) {
	if len(frames) == 0 {
		return
	}
	a.sendMu.Lock()
	res := a.write(frames)
	a.sendMu.Unlock()
	a.deliver(res)
}

// advanceLocked clears the in-flight slot and pops the next live queued
// command, if any.
func (a *Attache) advanceLocked() []outbound {
	a.inflight = false
	for len(a.fifo) > 0 {
		next := a.fifo[0]
		a.fifo = a.fifo[1:]
		if next.w.resolved {
			continue
		}
		a.inflight = true
		a.head = next.seq
		return []outbound{next}
	}
	return nil
}

// resolveLocked fails w with err unless it already resolved.
func (a *Attache) resolveLocked(w *waiter, err error) (*resolution, []outbound) {
	if w.resolved {
		return nil, nil
	}
	w.resolved = true

	var unanswered []uint64
	for i, ans := range w.answers {
		if ans != nil {
			continue
		}
		seq := w.first + uint64(i)
		unanswered = append(unanswered, seq)
		delete(a.pending, seq)
	}

	var next []outbound
	if a.inflight && w.owns(a.head) {
		next = a.advanceLocked()
	}
	return &resolution{w: w, err: err, unanswered: unanswered}, next
}

// answer stores ans in its waiter slot. It returns false for answers that
// match no pending command, which covers late answers to expired waiters.
func (a *Attache) answer(ans *wire.Answer) (time.Duration, bool) {
	a.mu.Lock()
	w, ok := a.pending[ans.Sequence]
	if !ok {
		a.mu.Unlock()
		return 0, false
	}
	delete(a.pending, ans.Sequence)
	w.answers[ans.Sequence-w.first] = ans
	w.remaining--
	latency := time.Since(w.sentAt)

	var next []outbound
	if a.inflight && a.head == ans.Sequence {
		next = a.advanceLocked()
	}
	var res []resolution
	if w.remaining == 0 {
		w.resolved = true
		res = append(res, resolution{w: w})
	}
	a.mu.Unlock()

	a.release(next)
	a.deliver(res)
	return latency, true
}

// release writes freed in-sequence commands on their own goroutine. Read
// loops, the sweeper and timed-out callers must not block on a link.
func (a *Attache) release(next []outbound) {
	if len(next) > 0 {
		go a.flush(next)
	}
}

// cancel fails w with err. It returns false if w already resolved.
func (a *Attache) cancel(w *waiter, err error) bool {
	a.mu.Lock()
	res, next := a.resolveLocked(w, err)
	a.mu.Unlock()
	if res == nil {
		return false
	}
	a.deliver([]resolution{*res})
	a.release(next)
	return true
}

// expire times out every waiter whose deadline is not after now and
// returns how many were expired.
func (a *Attache) expire(now time.Time) int {
	a.mu.Lock()
	seen := make(map[*waiter]struct{})
	var res []resolution
	var next []outbound
	for _, w := range a.pending {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if w.resolved || w.deadline.IsZero() || now.Before(w.deadline) {
			continue
		}
		r, n := a.resolveLocked(w, ErrOperationTimedOut)
		if r != nil {
			res = append(res, *r)
		}
		next = append(next, n...)
	}
	a.mu.Unlock()

	a.deliver(res)
	a.release(next)
	return len(res)
}

// Close fails every pending waiter with ErrConnectionClosed and rejects
// further submits. It does not close the link.
func (a *Attache) Close(cause error) int {
	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0
	}
	a.closed = true

	seen := make(map[*waiter]struct{})
	var res []resolution
	for _, w := range a.pending {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if r, _ := a.resolveLocked(w, err); r != nil {
			res = append(res, *r)
		}
	}
	a.fifo = nil
	a.inflight = false
	a.mu.Unlock()

	a.deliver(res)
	return len(res)
}

func (a *Attache) deliver(res []resolution) {
	for _, r := range res {
		var err error
		if r.err != nil {
			err = hostErr(a.info.HostID, r.w.first, r.err)
		}
		r.w.complete(r.w.answers, err, r.unanswered)
	}
}

func (a *Attache) logCommand(f outbound) {
	if a.proto == nil {
		return
	}
	log.Emit(a.proto, log.Event{
		Direction:    log.DirectionOut,
		Layer:        log.LayerDispatch,
		Category:     log.CategoryMessage,
		HostID:       a.info.HostID,
		DataCenterID: a.info.DataCenterID,
		Message: &log.MessageEvent{
			Kind:        wire.KindCommand,
			Sequence:    f.seq,
			InSequence:  f.inSequence,
			PayloadSize: len(f.data),
		},
	})
}
