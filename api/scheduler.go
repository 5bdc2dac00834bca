/*
scheduler.go - Automated horizon maintenance

PURPOSE:
  Periodically runs Engine.EnsureHorizon so every rule's materialized window
  keeps rolling forward as days pass, and elapsed rows are swept.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field spec or @every)
  - Runs once immediately on start
  - Passes never overlap: a scheduled tick that finds a pass in progress is
    skipped, a manual RunNow waits for it
  - The last report is kept for GetLastReport

CONFIGURATION:
  - Spec:     Cron spec (default: @every 1h)
  - Location: Time zone the cron schedule is evaluated in
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewHorizonScheduler(engine, "@every 1h", time.UTC)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: EnsureHorizon endpoint (manual maintenance)
  - recurrence/engine.go: EnsureHorizon
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/recurrence-engine/recurrence"
)

const DefaultMaintenanceSpec = "@every 1h"

// HorizonScheduler handles automated horizon maintenance.
type HorizonScheduler struct {
	Engine   *recurrence.Engine
	Spec     string
	Location *time.Location
	Enabled  bool

	cron    *cron.Cron
	entry   cron.EntryID
	running sync.Mutex // held for the duration of a pass
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *recurrence.HorizonReport
}

// NewHorizonScheduler creates a new scheduler. An empty spec selects
// DefaultMaintenanceSpec; a nil location selects UTC.
func NewHorizonScheduler(engine *recurrence.Engine, spec string, loc *time.Location) *HorizonScheduler {
	if spec == "" {
		spec = DefaultMaintenanceSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	return &HorizonScheduler{
		Engine:   engine,
		Spec:     spec,
		Location: loc,
		Enabled:  true,
	}
}

// Start registers the cron job and triggers an immediate pass.
func (hs *HorizonScheduler) Start() error {
	if !hs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}

	hs.cron = cron.New(cron.WithLocation(hs.Location))
	id, err := hs.cron.AddFunc(hs.Spec, hs.tick)
	if err != nil {
		return fmt.Errorf("add horizon maintenance %q: %w", hs.Spec, err)
	}
	hs.entry = id
	hs.cron.Start()

	// Run immediately on start
	hs.wg.Add(1)
	go func() {
		defer hs.wg.Done()
		hs.tick()
	}()

	log.Printf("[Scheduler] Started with spec %q (TZ: %s)", hs.Spec, hs.Location)
	return nil
}

// Stop stops the cron and waits for a running pass to finish.
func (hs *HorizonScheduler) Stop() {
	if hs.cron == nil {
		return
	}
	ctx := hs.cron.Stop()
	<-ctx.Done()
	hs.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (hs *HorizonScheduler) tick() {
	if !hs.running.TryLock() {
		log.Println("[Scheduler] Previous pass still running, skipping")
		return
	}
	defer hs.running.Unlock()

	if _, err := hs.pass(context.Background()); err != nil {
		log.Printf("[Scheduler] Horizon maintenance failed: %v", err)
	}
}

// RunNow triggers an immediate pass, waiting for one in progress first.
func (hs *HorizonScheduler) RunNow(ctx context.Context) (recurrence.HorizonReport, error) {
	hs.running.Lock()
	defer hs.running.Unlock()
	return hs.pass(ctx)
}

func (hs *HorizonScheduler) pass(ctx context.Context) (recurrence.HorizonReport, error) {
	log.Printf("[Scheduler] Ensuring horizon at %v", time.Now().In(hs.Location).Format(time.RFC3339))

	report, err := hs.Engine.EnsureHorizon(ctx)
	if err != nil {
		return report, err
	}

	hs.mu.Lock()
	hs.last = &report
	hs.mu.Unlock()

	log.Printf("[Scheduler] Completed %s: %d rules, %d created, %d removed, %d failed, %d invalid",
		report.Window, report.Rules, report.Created, report.Removed, report.Failed, len(report.Invalid))
	return report, nil
}

// GetLastReport returns the most recent completed pass, if any.
func (hs *HorizonScheduler) GetLastReport() (recurrence.HorizonReport, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.last == nil {
		return recurrence.HorizonReport{}, false
	}
	return *hs.last, true
}

// GetNextRunTime returns when the next scheduled pass will occur. The zero
// time means the scheduler is not running.
func (hs *HorizonScheduler) GetNextRunTime() time.Time {
	if hs.cron == nil {
		return time.Time{}
	}
	return hs.cron.Entry(hs.entry).Next
}
