// Package scheduler runs periodic reconciliations for enabled pairs using
// cron interval jobs. Each pair gets its own job at its configured interval;
// pair CRUD through the API reschedules jobs at runtime.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
	"github.com/danielolaszy/issuebridge/pkg/models"
)

// Reconciler triggers one reconciliation run. Satisfied by *engine.Engine.
type Reconciler interface {
	Reconcile(ctx context.Context, pairID uint) (models.SyncStats, error)
}

// Scheduler owns the cron runner and the pair-to-job registry.
type Scheduler struct {
	cron            *cron.Cron
	store           *store.Store
	reconciler      Reconciler
	defaultInterval int

	mu      sync.Mutex
	entries map[uint]cron.EntryID
}

// New creates a Scheduler. defaultInterval (minutes) applies to pairs with no
// interval of their own.
func New(st *store.Store, r Reconciler, defaultInterval int) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		store:           st,
		reconciler:      r,
		defaultInterval: defaultInterval,
		entries:         make(map[uint]cron.EntryID),
	}
}

// Start schedules all enabled pairs and starts the cron runner.
func (s *Scheduler) Start() error {
	pairs, err := s.store.ListEnabledPairs()
	if err != nil {
		return fmt.Errorf("failed to load pairs for scheduling: %w", err)
	}
	for _, pair := range pairs {
		if err := s.SchedulePair(pair); err != nil {
			return err
		}
	}
	s.cron.Start()
	logging.Info("scheduler started", "pairs", len(pairs))
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.Info("scheduler stopped")
}

// SchedulePair registers (or replaces) the interval job for a pair. Disabled
// pairs are unscheduled instead.
func (s *Scheduler) SchedulePair(pair store.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[pair.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, pair.ID)
	}
	if !pair.Enabled {
		logging.Debug("pair disabled, not scheduling", "pair", pair.Name)
		return nil
	}

	interval := pair.IntervalMinutes
	if interval <= 0 {
		interval = s.defaultInterval
	}

	pairID := pair.ID
	pairName := pair.Name
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", interval), func() {
		s.runPair(pairID, pairName)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule pair %q: %w", pair.Name, err)
	}
	s.entries[pair.ID] = id

	logging.Info("scheduled pair", "pair", pair.Name, "interval_minutes", interval)
	return nil
}

// Reload reconciles the job set against the store: pairs that are gone or
// disabled are unscheduled, enabled pairs are (re)scheduled.
func (s *Scheduler) Reload() error {
	pairs, err := s.store.ListEnabledPairs()
	if err != nil {
		return fmt.Errorf("failed to load pairs for reload: %w", err)
	}

	enabled := make(map[uint]bool, len(pairs))
	for _, pair := range pairs {
		enabled[pair.ID] = true
	}

	s.mu.Lock()
	var stale []uint
	for pairID := range s.entries {
		if !enabled[pairID] {
			stale = append(stale, pairID)
		}
	}
	s.mu.Unlock()
	for _, pairID := range stale {
		s.UnschedulePair(pairID)
	}

	for _, pair := range pairs {
		if err := s.SchedulePair(pair); err != nil {
			return err
		}
	}
	return nil
}

// UnschedulePair removes the job for a pair, if any.
func (s *Scheduler) UnschedulePair(pairID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[pairID]; ok {
		s.cron.Remove(id)
		delete(s.entries, pairID)
		logging.Info("unscheduled pair", "pair_id", pairID)
	}
}

// runPair executes one scheduled reconciliation. Failures are logged; the
// job stays scheduled for the next tick.
func (s *Scheduler) runPair(pairID uint, pairName string) {
	logging.Debug("scheduled sync firing", "pair", pairName)
	stats, err := s.reconciler.Reconcile(context.Background(), pairID)
	if err != nil {
		logging.Error("scheduled sync failed", "pair", pairName, "error", err)
		return
	}
	logging.Debug("scheduled sync finished",
		"pair", pairName,
		"created", stats.Created,
		"updated", stats.Updated,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors)
}
