/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically sweeps every tenant for earning lots whose expiration date
  has passed and appends the corresponding EXPIRATION transactions.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Enumerates tenants from the membership table
  - The sweep itself is idempotent: a lot that already has an expiration
    row keyed to it is skipped, so overlapping runs are harmless

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SweepExpirations endpoint (manual sweep)
  - engine/expiration.go: Expirer
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/atlas/loyalty-engine/store/sqlite"
)

// SweepScheduler handles automated point expiration.
type SweepScheduler struct {
	Store         *sqlite.Store
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store *sqlite.Store, handler *Handler) *SweepScheduler {
	return &SweepScheduler{
		Store:         store,
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.checkAndProcess()

	for {
		select {
		case <-ss.ticker.C:
			ss.checkAndProcess()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) checkAndProcess() {
	ctx := context.Background()

	log.Printf("[Scheduler] Checking for expired lots at %v", time.Now())

	tenants, err := ss.Store.ListTenants(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing tenants: %v", err)
		return
	}

	lotsExpired := 0
	membershipsTouched := 0

	for _, tenant := range tenants {
		results, err := ss.Handler.Expirer.SweepTenant(ctx, tenant)
		if err != nil {
			log.Printf("[Scheduler] Error sweeping tenant %s: %v", tenant, err)
			continue
		}
		for _, res := range results {
			if res.LotsExpired > 0 {
				lotsExpired += res.LotsExpired
				membershipsTouched++
			}
		}
	}

	if lotsExpired > 0 {
		log.Printf("[Scheduler] Completed: %d lots expired across %d memberships", lotsExpired, membershipsTouched)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (ss *SweepScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(ss.CheckInterval)
}
