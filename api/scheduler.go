/*
scheduler.go - Automated roll scheduler

PURPOSE:
  Periodically rolls the window forward: runs a projection pass, archives
  completed instances into the history ribbon, then lets the quality agent
  sample the freshly woven shifts.

DESIGN:
  - Runs a background goroutine with configurable roll interval
  - Projection and archival share the engine pass lock, so a manual
    POST /api/roll-window racing the scheduler serializes cleanly
  - Each pass is skip-on-error: a failed projection still lets archival run

CONFIGURATION:
  - RollInterval: How often to roll (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRollScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RollWindow endpoint (manual roll)
  - loom/projector.go, loom/archiver.go: the passes
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tapestry/loom-engine/loom"
)

// RollScheduler drives the periodic roll.
type RollScheduler struct {
	Handler      *Handler
	RollInterval time.Duration
	Enabled      bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRollScheduler creates a new scheduler.
func NewRollScheduler(handler *Handler) *RollScheduler {
	return &RollScheduler{
		Handler:      handler,
		RollInterval: 1 * time.Hour,
		Enabled:      true,
		stop:         make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *RollScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.RollInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with roll interval: %v", rs.RollInterval)
}

// Stop stops the scheduler.
func (rs *RollScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RollScheduler) run() {
	defer rs.wg.Done()

	// Roll immediately on start
	rs.roll()

	for {
		select {
		case <-rs.ticker.C:
			rs.roll()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RollScheduler) roll() {
	ctx := context.Background()
	now := time.Now().UTC()

	log.Printf("[Scheduler] Rolling window at %v", now)

	proj, err := rs.Handler.Projector.Project(ctx, loom.Today())
	if err != nil {
		log.Printf("[Scheduler] Projection pass failed: %v", err)
	} else if proj.Created > 0 || proj.Updated > 0 || proj.Deleted > 0 {
		log.Printf("[Scheduler] Projected: %d created, %d updated, %d skipped, %d deleted",
			proj.Created, proj.Updated, proj.Skipped, proj.Deleted)
	}

	arch, err := rs.Handler.Archiver.ArchiveCompleted(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Archival pass failed: %v", err)
		return
	}
	if arch.Archived > 0 {
		log.Printf("[Scheduler] Archived %d shifts", arch.Archived)
	}
	for _, e := range arch.Errors {
		log.Printf("[Scheduler] Archival error: %s", e)
	}

	if rs.Handler.Quality != nil && len(arch.Shifts) > 0 {
		flagged, err := rs.Handler.Quality.Run(ctx, arch.Shifts, rs.Handler.AuditRate)
		if err != nil {
			log.Printf("[Scheduler] Quality pass failed: %v", err)
		} else if flagged > 0 {
			log.Printf("[Scheduler] Quality agent flagged %d of %d shifts", flagged, len(arch.Shifts))
		}
	}
}

// RunNow triggers an immediate roll (for testing/admin).
func (rs *RollScheduler) RunNow() {
	rs.roll()
}

// GetNextRunTime returns when the next scheduled roll will occur.
func (rs *RollScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.RollInterval)
}
