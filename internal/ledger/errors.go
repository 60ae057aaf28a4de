package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen is returned by Append while the ledger is in the frozen,
	// read-only state entered after an integrity violation. Only an explicit
	// operator Unfreeze (normally following a restore from an anchor) clears it.
	ErrFrozen = errors.New("ledger: frozen after integrity violation, appends refused")

	// ErrNotFound is returned when no entry exists at the requested sequence number.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrConflict indicates a lost race on the append path, such as a
	// non-contiguous sequence number reaching the store. Callers may retry.
	ErrConflict = errors.New("ledger: concurrent append conflict")
)

// IntegrityError reports the first point at which the hash chain or an HMAC
// tag failed verification. It is never self-healing: the ledger freezes and
// stays frozen until an operator intervenes.
type IntegrityError struct {
	Seq    uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity violation at entry %d: %s", e.Seq, e.Reason)
}
