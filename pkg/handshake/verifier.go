package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// DefaultReplayWindow is how long a used nonce is remembered.
const DefaultReplayWindow = 10 * time.Minute

// Verifier is a connection listener that vetoes handshakes without a
// valid proof or with a nonce seen inside the replay window.
type Verifier struct {
	clusterKey []byte
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewVerifier creates a verifier. A zero window uses DefaultReplayWindow;
// a nil logger disables logging.
func NewVerifier(clusterKey []byte, window time.Duration, logger *slog.Logger) (*Verifier, error) {
	if len(clusterKey) < MinClusterKey {
		return nil, ErrShortClusterKey
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{
		clusterKey: clusterKey,
		window:     window,
		logger:     logger,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}, nil
}

// ProcessConnect implements listener.ConnectionListener.
func (v *Verifier) ProcessConnect(_ context.Context, hostID string, hs *wire.Handshake) error {
	if err := Verify(hs, v.clusterKey); err != nil {
		v.logger.Warn("handshake authentication failed", "host_id", hostID, "error", err)
		return err
	}

	now := v.now()
	nonce := string(hs.Nonce)

	v.mu.Lock()
	defer v.mu.Unlock()
	for n, at := range v.seen {
		if now.Sub(at) > v.window {
			delete(v.seen, n)
		}
	}
	if _, dup := v.seen[nonce]; dup {
		v.logger.Warn("handshake replay rejected", "host_id", hostID)
		return fmt.Errorf("%w: host %s", ErrReplayedNonce, hostID)
	}
	v.seen[nonce] = now
	return nil
}

// ProcessDisconnect implements listener.ConnectionListener.
func (v *Verifier) ProcessDisconnect(string, string) {}

// Options returns the registration options: highest priority, recurring.
func (v *Verifier) Options() listener.Options {
	return listener.Options{
		Name:      "handshake-verifier",
		Priority:  -1000,
		Interest:  listener.InterestConnection | listener.InterestPriority,
		Recurring: true,
	}
}

// Install registers v with reg.
func (v *Verifier) Install(reg *listener.Registry) (listener.ID, error) {
	return reg.Register(v, v.Options())
}

var _ listener.ConnectionListener = (*Verifier)(nil)
