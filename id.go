package rhythm

import (
	"time"

	"github.com/rhythmhq/rhythm/internal/ids"
)

// NewExecutionID generates a "{prefix}_{uuidv7}" identifier, time-sortable
// and chosen by the caller (VM or runner) before the row it names exists,
// per the outbox's pre-generated-id requirement.
func NewExecutionID(prefix string) string {
	return ids.New(prefix)
}

// NowMillis returns the current time as unix milliseconds, the unit
// fire_at is expressed in throughout this package.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
