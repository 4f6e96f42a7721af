// Package clock provides the monotonic UTC time source and stable ID
// generation used throughout Orket's core. Every component that needs "now"
// or a fresh identifier goes through here so tests can substitute a fixed
// clock instead of reaching for time.Now() directly.
package clock

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock is injectable so executor/orchestrator tests can run with a frozen
// or stepped time source instead of wall clock time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now, always normalized to UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Frozen is a test Clock that always returns the same instant.
type Frozen struct {
	At time.Time
}

func (f Frozen) Now() time.Time { return f.At.UTC() }

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return "sess-" + uuid.NewString() }

// NewTurnID returns a fresh turn identifier.
func NewTurnID() string { return "turn-" + uuid.NewString() }

const maxCardIDSuffix = int64(0x1000000) // 16^6, six hex digits

// NewCardID generates a stable, workspace-unique card ID of the form
// "<kindPrefix>-XXXXXX" using a random hex suffix. Callers retry on
// collision (see card.Store.CreateCard).
func NewCardID(kindPrefix string) (string, error) {
	kindPrefix = strings.TrimSpace(kindPrefix)
	if kindPrefix == "" {
		kindPrefix = "card"
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxCardIDSuffix))
	if err != nil {
		return "", fmt.Errorf("clock: generate card id: %w", err)
	}
	return fmt.Sprintf("%s-%06x", kindPrefix, n), nil
}
