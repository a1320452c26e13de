// Package aggregate holds the ledger's consistency boundaries. Command methods are
// pure: they inspect state and return the events to record without mutating
// anything. State only changes through Apply, both live and on replay.
package aggregate

import (
	"fmt"

	"github.com/transfa/ledger-service/internal/domain"
)

// Root is implemented by every aggregate the command shell can load and persist.
type Root interface {
	Stream() domain.StreamID
	Version() int64
	Apply(e domain.Event) error
	Snapshot() ([]byte, error)
	Restore(state []byte, version int64) error
}

// Replay applies events in order to root and stops at the first failure.
func Replay(root Root, events []domain.Event) error {
	for _, e := range events {
		if e.Stream != root.Stream() {
			return &domain.IntegrityFaultError{
				EventType: e.Type,
				Version:   e.Version,
				Err:       fmt.Errorf("event belongs to stream %s, not %s", e.Stream, root.Stream()),
			}
		}
		if e.Version != root.Version()+1 {
			return &domain.IntegrityFaultError{
				EventType: e.Type,
				Version:   e.Version,
				Err:       fmt.Errorf("version gap after %d", root.Version()),
			}
		}
		if err := root.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

func unknownEvent(e domain.Event, stream domain.StreamID) error {
	return fmt.Errorf("%w: %s on %s stream", domain.ErrUnknownEventType, e.Type, stream.Type)
}
