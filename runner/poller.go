package runner

import (
	"context"
	"log"
	"time"

	rhythm "github.com/rhythmhq/rhythm"
)

// Poller moves scheduled_queue rows whose run_at has passed into
// work_queue. One instance runs per deployment.
type Poller struct {
	store    rhythm.Store
	interval time.Duration
}

// NewPoller builds a Poller that checks every interval.
func NewPoller(store rhythm.Store, interval time.Duration) *Poller {
	return &Poller{store: store, interval: interval}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Println("rhythm: scheduled-queue poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("rhythm: scheduled-queue poller stopped")
			return
		case <-ticker.C:
			n, err := p.store.PromoteScheduled(ctx, rhythm.NowMillis())
			if err != nil {
				log.Printf("rhythm: scheduled-queue poller: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("rhythm: scheduled-queue poller promoted %d row(s)", n)
			}
		}
	}
}
