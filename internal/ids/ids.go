// Package ids generates the stable, time-sortable identifiers the VM
// chooses for outbox entries before they are committed to storage.
package ids

import "github.com/google/uuid"

// New returns a "{prefix}_{uuidv7}" identifier, e.g. "task_018f2c1a-...".
// uuidv7 is time-sortable, matching the original implementation's id
// format and the teacher's NewID/NewV7 convention.
func New(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}
