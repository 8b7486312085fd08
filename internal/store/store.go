package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// isDuplicate reports whether err is a unique-constraint violation. The
// string check covers driver versions that predate gorm error translation.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Trackers ---

// CreateTracker inserts a tracker. Returns false when the name is taken.
func (s *Store) CreateTracker(t *Tracker) (bool, error) {
	if err := s.db.Create(t).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create tracker: %w", err)
	}
	return true, nil
}

// GetTracker returns the tracker or nil when it does not exist.
func (s *Store) GetTracker(id uint) (*Tracker, error) {
	var t Tracker
	err := s.db.First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tracker %d: %w", id, err)
	}
	return &t, nil
}

// ListTrackers returns all trackers.
func (s *Store) ListTrackers() ([]Tracker, error) {
	var trackers []Tracker
	if err := s.db.Order("id").Find(&trackers).Error; err != nil {
		return nil, fmt.Errorf("failed to list trackers: %w", err)
	}
	return trackers, nil
}

// SaveTracker persists updates to an existing tracker.
func (s *Store) SaveTracker(t *Tracker) error {
	if err := s.db.Save(t).Error; err != nil {
		return fmt.Errorf("failed to save tracker %d: %w", t.ID, err)
	}
	return nil
}

// DeleteTracker removes a tracker row.
func (s *Store) DeleteTracker(id uint) error {
	if err := s.db.Delete(&Tracker{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete tracker %d: %w", id, err)
	}
	return nil
}

// --- Pairs ---

// CreatePair inserts a pair. Returns false when the name is taken.
func (s *Store) CreatePair(p *Pair) (bool, error) {
	if err := s.db.Create(p).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create pair: %w", err)
	}
	return true, nil
}

// GetPair returns the pair or nil when it does not exist.
func (s *Store) GetPair(id uint) (*Pair, error) {
	var p Pair
	err := s.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pair %d: %w", id, err)
	}
	return &p, nil
}

// ListPairs returns all pairs.
func (s *Store) ListPairs() ([]Pair, error) {
	var pairs []Pair
	if err := s.db.Order("id").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	return pairs, nil
}

// ListEnabledPairs returns pairs with sync enabled, for the scheduler.
func (s *Store) ListEnabledPairs() ([]Pair, error) {
	var pairs []Pair
	if err := s.db.Where("enabled = ?", true).Order("id").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list enabled pairs: %w", err)
	}
	return pairs, nil
}

// SavePair persists updates to an existing pair.
func (s *Store) SavePair(p *Pair) error {
	if err := s.db.Save(p).Error; err != nil {
		return fmt.Errorf("failed to save pair %d: %w", p.ID, err)
	}
	return nil
}

// DeletePair removes a pair row.
func (s *Store) DeletePair(id uint) error {
	if err := s.db.Delete(&Pair{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete pair %d: %w", id, err)
	}
	return nil
}

// AdvanceWatermark sets the pair's last-sync watermark. Called exactly once
// per run, after both directions finished.
func (s *Store) AdvanceWatermark(pairID uint, t time.Time) error {
	err := s.db.Model(&Pair{}).Where("id = ?", pairID).Update("last_sync_at", t).Error
	if err != nil {
		return fmt.Errorf("failed to advance watermark for pair %d: %w", pairID, err)
	}
	return nil
}

// --- Mappings ---

// MappingBySource returns the mapping keyed by source issue number, or nil.
func (s *Store) MappingBySource(pairID uint, sourceIID int) (*Mapping, error) {
	var m Mapping
	err := s.db.Where("pair_id = ? AND source_iid = ?", pairID, sourceIID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping (pair %d, source #%d): %w", pairID, sourceIID, err)
	}
	return &m, nil
}

// MappingByTarget returns the mapping keyed by target issue number, or nil.
func (s *Store) MappingByTarget(pairID uint, targetIID int) (*Mapping, error) {
	var m Mapping
	err := s.db.Where("pair_id = ? AND target_iid = ?", pairID, targetIID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping (pair %d, target #%d): %w", pairID, targetIID, err)
	}
	return &m, nil
}

// MappingByBothSides returns the mapping matching both issue numbers, or nil.
func (s *Store) MappingByBothSides(pairID uint, sourceIID, targetIID int) (*Mapping, error) {
	var m Mapping
	err := s.db.Where("pair_id = ? AND source_iid = ? AND target_iid = ?", pairID, sourceIID, targetIID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping (pair %d, #%d<->#%d): %w", pairID, sourceIID, targetIID, err)
	}
	return &m, nil
}

// InsertMapping inserts a new mapping row. Returns false without error when
// either uniqueness constraint fires: another writer already mapped the
// issue and the caller must discard its own insert silently.
func (s *Store) InsertMapping(m *Mapping) (bool, error) {
	if err := s.db.Create(m).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert mapping: %w", err)
	}
	return true, nil
}

// SaveMapping persists updates (repaired identifiers, fingerprint, watermark).
func (s *Store) SaveMapping(m *Mapping) error {
	if err := s.db.Save(m).Error; err != nil {
		return fmt.Errorf("failed to save mapping %d: %w", m.ID, err)
	}
	return nil
}

// ListMappings returns mapping rows, optionally filtered by pair, newest
// sync first.
func (s *Store) ListMappings(pairID uint) ([]Mapping, error) {
	q := s.db.Order("last_synced_at DESC")
	if pairID != 0 {
		q = q.Where("pair_id = ?", pairID)
	}
	var mappings []Mapping
	if err := q.Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return mappings, nil
}

// --- User mappings ---

// CreateUserMapping inserts a row. Returns false when an equivalent mapping
// already exists.
func (s *Store) CreateUserMapping(um *UserMapping) (bool, error) {
	if err := s.db.Create(um).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create user mapping: %w", err)
	}
	return true, nil
}

// ListUserMappings returns all user mappings.
func (s *Store) ListUserMappings() ([]UserMapping, error) {
	var mappings []UserMapping
	if err := s.db.Order("id").Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("failed to list user mappings: %w", err)
	}
	return mappings, nil
}

// DeleteUserMapping removes a user mapping row.
func (s *Store) DeleteUserMapping(id uint) error {
	if err := s.db.Delete(&UserMapping{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete user mapping %d: %w", id, err)
	}
	return nil
}

// ResolveUsername translates username from the source tracker to the target
// tracker. Rows are stored directionally; the reverse direction is consulted
// too so one row serves both directions of a bidirectional pair.
func (s *Store) ResolveUsername(username string, sourceTrackerID, targetTrackerID uint) (string, bool, error) {
	var um UserMapping
	err := s.db.Where(
		"source_tracker_id = ? AND source_username = ? AND target_tracker_id = ?",
		sourceTrackerID, username, targetTrackerID,
	).First(&um).Error
	if err == nil {
		return um.TargetUsername, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("failed to resolve username %q: %w", username, err)
	}

	err = s.db.Where(
		"source_tracker_id = ? AND target_tracker_id = ? AND target_username = ?",
		targetTrackerID, sourceTrackerID, username,
	).First(&um).Error
	if err == nil {
		return um.SourceUsername, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("failed to resolve username %q: %w", username, err)
	}
	return "", false, nil
}

// --- Conflicts ---

// HasUnresolvedConflict reports whether a mapping already has an open
// conflict. Used to record each concurrent-update conflict once, not once
// per direction or per run.
func (s *Store) HasUnresolvedConflict(mappingID uint) (bool, error) {
	var n int64
	err := s.db.Model(&Conflict{}).
		Where("mapping_id = ? AND resolved = ?", mappingID, false).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check conflicts for mapping %d: %w", mappingID, err)
	}
	return n > 0, nil
}

// AddConflict appends a conflict snapshot.
func (s *Store) AddConflict(c *Conflict) error {
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("failed to persist conflict: %w", err)
	}
	return nil
}

// ListConflicts returns conflicts newest first. resolved filters when
// non-nil; pairID filters when non-zero.
func (s *Store) ListConflicts(resolved *bool, pairID uint) ([]Conflict, error) {
	q := s.db.Order("created_at DESC")
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}
	if pairID != 0 {
		q = q.Where("pair_id = ?", pairID)
	}
	var conflicts []Conflict
	if err := q.Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with optional notes. Returns
// the updated row, or nil when the conflict does not exist. Resolution never
// re-triggers a sync.
func (s *Store) ResolveConflict(id uint, notes string) (*Conflict, error) {
	var c Conflict
	err := s.db.First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %d: %w", id, err)
	}

	now := time.Now().UTC()
	c.Resolved = true
	c.ResolvedAt = &now
	c.ResolutionNotes = notes
	if err := s.db.Save(&c).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	return &c, nil
}

// CountMappings returns the number of mapping rows, optionally per pair.
func (s *Store) CountMappings(pairID uint) (int64, error) {
	q := s.db.Model(&Mapping{})
	if pairID != 0 {
		q = q.Where("pair_id = ?", pairID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// CountConflicts returns the number of conflicts, filtered by resolution
// state when resolved is non-nil.
func (s *Store) CountConflicts(resolved *bool) (int64, error) {
	q := s.db.Model(&Conflict{})
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// --- Sync logs ---

// AppendLog writes an audit entry. Log failures are reported but callers
// treat them as non-fatal.
func (s *Store) AppendLog(l *SyncLog) error {
	if err := s.db.Create(l).Error; err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// ListLogs returns audit entries newest first. pairID filters when non-zero.
func (s *Store) ListLogs(pairID uint, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Order("created_at DESC").Limit(limit)
	if pairID != 0 {
		q = q.Where("pair_id = ?", pairID)
	}
	var logs []SyncLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	return logs, nil
}

// LogStatusCountsSince aggregates log entries newer than t by status.
func (s *Store) LogStatusCountsSince(t time.Time) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := s.db.Model(&SyncLog{}).
		Select("status, count(*) as count").
		Where("created_at >= ?", t).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sync logs: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
