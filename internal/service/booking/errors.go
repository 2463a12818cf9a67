package booking

import (
	"errors"
	"fmt"

	"chairtime/backend/internal/service/availability"
)

// ErrNoAlternativeSlot is returned by the reschedule_nearest policy when
// the search window holds no open slot.
var ErrNoAlternativeSlot = errors.New("no alternative slot available")

// ErrOccurrenceSkipped signals that the skip policy dropped a conflicting
// occurrence. Series generation treats it as a counted skip, not a failure.
var ErrOccurrenceSkipped = errors.New("occurrence skipped")

// ConflictError rejects a reservation and carries the full obstacle list so
// the caller can explain the rejection or pick an alternative.
type ConflictError struct {
	Obstacles []availability.Obstacle
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("requested time conflicts with %d obstacle(s)", len(e.Obstacles))
}
