// Package continuity pins the ledger's genesis identity outside the data
// directory so that a wiped-and-regenerated data directory cannot silently
// masquerade as the original ledger.
package continuity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/genesis"
)

// PinFile is the pin file name inside the pin directory.
const PinFile = "continuity.json"

// ErrNoPin is returned when no pin has been recorded yet.
var ErrNoPin = errors.New("continuity: no pin recorded")

// Violation is returned when the live genesis identity does not match the
// recorded pin. It is fatal at boot: the daemon must refuse to serve.
type Violation struct {
	Field  string
	Pinned string
	Live   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("continuity violation: %s changed: pinned %s, live %s", v.Field, v.Pinned, v.Live)
}

// Pin records which genesis identity this host's ledger belongs to.
type Pin struct {
	GenesisID     string `json:"genesis_id"`
	PublicKeyHash string `json:"public_key_hash"`
}

func fromIdentity(id *genesis.Identity) Pin {
	return Pin{
		GenesisID:     id.ID(),
		PublicKeyHash: id.Fingerprint(),
	}
}

// Load reads the pin from dir, or ErrNoPin if none has been written.
func Load(dir string) (*Pin, error) {
	raw, err := os.ReadFile(filepath.Join(dir, PinFile))
	if os.IsNotExist(err) {
		return nil, ErrNoPin
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: read pin: %w", err)
	}
	var p Pin
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("continuity: parse pin: %w", err)
	}
	if p.GenesisID == "" || p.PublicKeyHash == "" {
		return nil, errors.New("continuity: pin file incomplete")
	}
	return &p, nil
}

// Write records the identity as the pinned lineage. It refuses to overwrite
// an existing pin; use Repin for an explicit, logged lineage change.
func Write(dir string, id *genesis.Identity) (*Pin, error) {
	if _, err := os.Lstat(filepath.Join(dir, PinFile)); err == nil {
		return nil, errors.New("continuity: pin already exists")
	}
	p := fromIdentity(id)
	if err := save(dir, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Verify checks the live identity against the recorded pin. A missing pin is
// first boot: the identity is pinned and accepted. Any mismatch returns a
// *Violation; callers must treat it as fatal.
func Verify(dir string, id *genesis.Identity, logger *zap.Logger) (*Pin, error) {
	p, err := Load(dir)
	if errors.Is(err, ErrNoPin) {
		pinned, werr := Write(dir, id)
		if werr != nil {
			return nil, werr
		}
		logger.Info("continuity pin recorded",
			zap.String("genesis_id", pinned.GenesisID),
			zap.String("public_key_hash", pinned.PublicKeyHash))
		return pinned, nil
	}
	if err != nil {
		return nil, err
	}

	if p.GenesisID != id.ID() {
		return nil, &Violation{Field: "genesis_id", Pinned: p.GenesisID, Live: id.ID()}
	}
	if p.PublicKeyHash != id.Fingerprint() {
		return nil, &Violation{Field: "public_key_hash", Pinned: p.PublicKeyHash, Live: id.Fingerprint()}
	}
	return p, nil
}

// Repin replaces the recorded pin with the live identity. This is the only
// sanctioned way to change lineage and is always logged with the operator.
func Repin(dir string, id *genesis.Identity, operator string, logger *zap.Logger) (*Pin, error) {
	old, err := Load(dir)
	if err != nil && !errors.Is(err, ErrNoPin) {
		return nil, err
	}
	p := fromIdentity(id)
	if err := save(dir, p); err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("operator", operator),
		zap.String("new_genesis_id", p.GenesisID),
	}
	if old != nil {
		fields = append(fields, zap.String("old_genesis_id", old.GenesisID))
	}
	logger.Warn("continuity pin replaced", fields...)
	return &p, nil
}

func save(dir string, p Pin) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("continuity: create pin dir: %w", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("continuity: encode pin: %w", err)
	}
	tmp := filepath.Join(dir, PinFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("continuity: write pin: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, PinFile)); err != nil {
		return fmt.Errorf("continuity: commit pin: %w", err)
	}
	return nil
}
