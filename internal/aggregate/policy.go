package aggregate

import (
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/hashchain"
)

// DefaultThreshold is the operation count at which a stream records a threshold marker.
const DefaultThreshold = 1000

// recentHashWindow bounds the hashes kept for audit.
const recentHashWindow = 128

// HashVerification selects how strictly hashes are checked while applying events.
type HashVerification string

const (
	// HashStructural accepts any well-formed 128-character hex digest.
	HashStructural HashVerification = "structural"
	// HashStrict additionally recomputes the digest from the event fields.
	HashStrict HashVerification = "strict"
)

// Policy holds the tunables shared by every aggregate instance.
type Policy struct {
	Threshold           int
	CountDebits         bool
	DefaultAccountLimit int64
	HashVerification    HashVerification
}

// DefaultPolicy matches the behaviour of the ledger before any configuration.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:        DefaultThreshold,
		HashVerification: HashStructural,
	}
}

func (p Policy) threshold() int {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

// reached reports whether count is a point at which a marker must be recorded.
func (p Policy) reached(count int) bool {
	return count >= p.threshold()
}

// checkHash validates a stored digest. verify recomputes it and is only used in strict mode.
func (p Policy) checkHash(e domain.Event, h hashchain.Hash, verify func() error) error {
	var err error
	if p.HashVerification == HashStrict {
		err = verify()
	} else {
		err = hashchain.Validate(h)
	}
	if err != nil {
		return &domain.IntegrityFaultError{EventType: e.Type, Version: e.Version, Err: err}
	}
	return nil
}

func validateMovement(assetCode string, amount int64) error {
	if assetCode == "" {
		return domain.InvalidCommand("asset code is required")
	}
	if amount <= 0 {
		return domain.InvalidCommand("amount must be positive, got %d", amount)
	}
	return nil
}

// hashWindow remembers the most recent digests of a stream in append order. It is
// an audit trail only: two legitimate movements may share a digest.
type hashWindow []hashchain.Hash

func (w hashWindow) push(h hashchain.Hash) hashWindow {
	w = append(w, h)
	if len(w) > recentHashWindow {
		w = append(hashWindow(nil), w[len(w)-recentHashWindow:]...)
	}
	return w
}

func (w hashWindow) last() hashchain.Hash {
	if len(w) == 0 {
		return ""
	}
	return w[len(w)-1]
}
