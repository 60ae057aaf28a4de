package tsa

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSkewWindow is the maximum tolerated distance between the local
// clock and an authority's token time.
const DefaultSkewWindow = 5 * time.Minute

var (
	// ErrMonotonicViolation indicates a token time earlier than a previously
	// accepted one: the signature of a snapshot-rollback attack on the host.
	ErrMonotonicViolation = errors.New("tsa: timestamp regression (possible rollback)")

	// ErrClockSkew indicates the local clock disagrees with the authority
	// beyond the tolerated window: the signature of local clock tampering.
	ErrClockSkew = errors.New("tsa: local clock outside tolerated skew window")

	// ErrHalted is returned once the guard has tripped; anchoring stays
	// halted until an operator acknowledges the violation.
	ErrHalted = errors.New("tsa: anchoring halted pending operator acknowledgement")
)

// Guard enforces the monotonic-timestamp and clock-skew rules over the
// stream of accepted tokens. Both violations are security events, not
// transient errors: once tripped, the guard rejects everything until
// Acknowledge is called. The append path is unaffected by design.
type Guard struct {
	logger *zap.Logger
	skew   time.Duration

	// Now is the local clock; overridable in tests.
	Now func() time.Time

	mu     sync.Mutex
	last   time.Time
	halted bool
	reason string
}

// NewGuard creates a Guard. lastAccepted seeds the monotonic floor from the
// most recent persisted anchor (zero time for a fresh ledger); skew <= 0
// selects DefaultSkewWindow.
func NewGuard(lastAccepted time.Time, skew time.Duration, logger *zap.Logger) *Guard {
	if skew <= 0 {
		skew = DefaultSkewWindow
	}
	return &Guard{
		logger: logger,
		skew:   skew,
		Now:    time.Now,
		last:   lastAccepted,
	}
}

// Admit validates tok's time against both rules and, on success, raises the
// monotonic floor to it.
func (g *Guard) Admit(tok *Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return fmt.Errorf("%w: %s", ErrHalted, g.reason)
	}

	if tok.Time.Before(g.last) {
		g.trip(fmt.Sprintf("token time %s precedes accepted floor %s",
			tok.Time.Format(time.RFC3339), g.last.Format(time.RFC3339)))
		return fmt.Errorf("%w: token %s < floor %s",
			ErrMonotonicViolation, tok.Time.Format(time.RFC3339), g.last.Format(time.RFC3339))
	}

	if d := g.Now().UTC().Sub(tok.Time); d > g.skew || d < -g.skew {
		g.trip(fmt.Sprintf("local clock off by %s (window %s)", d, g.skew))
		return fmt.Errorf("%w: off by %s", ErrClockSkew, d)
	}

	g.last = tok.Time
	return nil
}

func (g *Guard) trip(reason string) {
	g.halted = true
	g.reason = reason
	g.logger.Error("timestamp guard tripped, anchoring halted",
		zap.String("reason", reason),
	)
}

// Halted reports whether the guard has tripped, and why.
func (g *Guard) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.reason
}

// Acknowledge clears a tripped guard. Operator recovery path only.
func (g *Guard) Acknowledge(operator string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.reason = ""
	g.logger.Warn("timestamp guard acknowledged by operator", zap.String("operator", operator))
}
