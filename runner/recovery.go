package runner

import (
	"context"
	"log"
	"time"

	rhythm "github.com/rhythmhq/rhythm"
)

// Recovery sweeps for executions whose claim has outlived its
// timeout_seconds (a dead worker) and re-enqueues or fails them.
type Recovery struct {
	store    rhythm.Store
	interval time.Duration
}

// NewRecovery builds a Recovery sweeper that checks every interval.
func NewRecovery(store rhythm.Store, interval time.Duration) *Recovery {
	return &Recovery{store: store, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (rc *Recovery) Run(ctx context.Context) {
	log.Println("rhythm: recovery sweep started")
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("rhythm: recovery sweep stopped")
			return
		case <-ticker.C:
			n, err := rc.store.SweepTimedOut(ctx, rhythm.NowMillis())
			if err != nil {
				log.Printf("rhythm: recovery sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("rhythm: recovery sweep recovered %d execution(s)", n)
			}
		}
	}
}
