package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/danielolaszy/issuebridge/internal/engine"
	"github.com/danielolaszy/issuebridge/internal/logging"
	"github.com/danielolaszy/issuebridge/internal/store"
)

// pathID parses the {id}-style URL parameter named key.
func pathID(r *http.Request, key string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, key), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// queryUint parses an optional numeric query parameter, 0 when absent.
func queryUint(r *http.Request, key string) uint {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint(v)
}

// --- Trackers ---

// trackerRequest is the write payload for trackers. The access token is
// accepted on input but never echoed back; store.Tracker marshals it out.
type trackerRequest struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	Description      string `json:"description"`
	CatchAllUsername string `json:"catch_all_username"`
}

func (s *Server) handleListTrackers(w http.ResponseWriter, _ *http.Request) {
	trackers, err := s.store.ListTrackers()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, trackers)
}

func (s *Server) handleCreateTracker(w http.ResponseWriter, r *http.Request) {
	var req trackerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" || req.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "name, url and access_token are required")
		return
	}

	tracker := &store.Tracker{
		Name:             req.Name,
		URL:              req.URL,
		AccessToken:      req.AccessToken,
		Description:      req.Description,
		CatchAllUsername: req.CatchAllUsername,
	}
	created, err := s.store.CreateTracker(tracker)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		respondError(w, http.StatusConflict, "tracker name already exists")
		return
	}
	logging.Info("tracker created", "name", tracker.Name, "url", tracker.URL)
	respondJSON(w, http.StatusCreated, tracker)
}

func (s *Server) handleGetTracker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tracker id")
		return
	}
	tracker, err := s.store.GetTracker(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tracker == nil {
		respondError(w, http.StatusNotFound, "tracker not found")
		return
	}
	respondJSON(w, http.StatusOK, tracker)
}

func (s *Server) handleUpdateTracker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tracker id")
		return
	}
	tracker, err := s.store.GetTracker(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tracker == nil {
		respondError(w, http.StatusNotFound, "tracker not found")
		return
	}

	var req trackerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		tracker.Name = req.Name
	}
	if req.URL != "" {
		tracker.URL = req.URL
	}
	// An omitted token keeps the stored one.
	if req.AccessToken != "" {
		tracker.AccessToken = req.AccessToken
	}
	tracker.Description = req.Description
	tracker.CatchAllUsername = req.CatchAllUsername

	if err := s.store.SaveTracker(tracker); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tracker)
}

func (s *Server) handleDeleteTracker(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tracker id")
		return
	}
	if err := s.store.DeleteTracker(id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Pairs ---

type pairRequest struct {
	Name            string `json:"name"`
	SourceTrackerID uint   `json:"source_tracker_id"`
	SourceProject   string `json:"source_project"`
	TargetTrackerID uint   `json:"target_tracker_id"`
	TargetProject   string `json:"target_project"`
	Enabled         *bool  `json:"enabled"`
	Bidirectional   *bool  `json:"bidirectional"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func (s *Server) handleListPairs(w http.ResponseWriter, _ *http.Request) {
	pairs, err := s.store.ListPairs()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pairs)
}

// trackerExists verifies a referenced tracker id.
func (s *Server) trackerExists(id uint) (bool, error) {
	t, err := s.store.GetTracker(id)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

func (s *Server) handleCreatePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.SourceProject == "" || req.TargetProject == "" ||
		req.SourceTrackerID == 0 || req.TargetTrackerID == 0 {
		respondError(w, http.StatusBadRequest, "name, tracker ids and projects are required")
		return
	}
	for _, id := range []uint{req.SourceTrackerID, req.TargetTrackerID} {
		ok, err := s.trackerExists(id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			respondError(w, http.StatusBadRequest, "referenced tracker does not exist")
			return
		}
	}

	pair := &store.Pair{
		Name:            req.Name,
		SourceTrackerID: req.SourceTrackerID,
		SourceProject:   req.SourceProject,
		TargetTrackerID: req.TargetTrackerID,
		TargetProject:   req.TargetProject,
		Enabled:         true,
		Bidirectional:   true,
		IntervalMinutes: req.IntervalMinutes,
	}
	if req.Enabled != nil {
		pair.Enabled = *req.Enabled
	}
	if req.Bidirectional != nil {
		pair.Bidirectional = *req.Bidirectional
	}

	created, err := s.store.CreatePair(pair)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		respondError(w, http.StatusConflict, "pair name already exists")
		return
	}

	s.reschedule(*pair)
	logging.Info("pair created", "name", pair.Name)
	respondJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}
	pair, err := s.store.GetPair(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pair == nil {
		respondError(w, http.StatusNotFound, "pair not found")
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleUpdatePair(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}
	pair, err := s.store.GetPair(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pair == nil {
		respondError(w, http.StatusNotFound, "pair not found")
		return
	}

	var req pairRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		pair.Name = req.Name
	}
	if req.SourceProject != "" {
		pair.SourceProject = req.SourceProject
	}
	if req.TargetProject != "" {
		pair.TargetProject = req.TargetProject
	}
	if req.IntervalMinutes > 0 {
		pair.IntervalMinutes = req.IntervalMinutes
	}
	if req.Enabled != nil {
		pair.Enabled = *req.Enabled
	}
	if req.Bidirectional != nil {
		pair.Bidirectional = *req.Bidirectional
	}

	if err := s.store.SavePair(pair); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.reschedule(*pair)
	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) handleDeletePair(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}
	if err := s.store.DeletePair(id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.scheduler != nil {
		s.scheduler.UnschedulePair(id)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// reschedule re-registers a pair's interval job after configuration changes.
// SchedulePair unschedules disabled pairs itself.
func (s *Server) reschedule(pair store.Pair) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.SchedulePair(pair); err != nil {
		logging.Error("failed to reschedule pair", "pair", pair.Name, "error", err)
	}
}

// --- User mappings ---

type userMappingRequest struct {
	SourceTrackerID uint   `json:"source_tracker_id"`
	SourceUsername  string `json:"source_username"`
	TargetTrackerID uint   `json:"target_tracker_id"`
	TargetUsername  string `json:"target_username"`
}

func (s *Server) handleListUserMappings(w http.ResponseWriter, _ *http.Request) {
	mappings, err := s.store.ListUserMappings()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleCreateUserMapping(w http.ResponseWriter, r *http.Request) {
	var req userMappingRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceTrackerID == 0 || req.TargetTrackerID == 0 ||
		req.SourceUsername == "" || req.TargetUsername == "" {
		respondError(w, http.StatusBadRequest, "tracker ids and usernames are required")
		return
	}

	um := &store.UserMapping{
		SourceTrackerID: req.SourceTrackerID,
		SourceUsername:  req.SourceUsername,
		TargetTrackerID: req.TargetTrackerID,
		TargetUsername:  req.TargetUsername,
	}
	created, err := s.store.CreateUserMapping(um)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		respondError(w, http.StatusConflict, "user mapping already exists")
		return
	}
	respondJSON(w, http.StatusCreated, um)
}

func (s *Server) handleDeleteUserMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid user mapping id")
		return
	}
	if err := s.store.DeleteUserMapping(id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Sync operations ---

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "pairID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}

	stats, err := s.syncer.Reconcile(r.Context(), id)
	if errors.Is(err, engine.ErrPairNotFound) {
		respondError(w, http.StatusNotFound, "pair not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRepairMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "pairID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}

	stats, err := s.syncer.RepairMappings(r.Context(), id)
	if errors.Is(err, engine.ErrPairNotFound) {
		respondError(w, http.StatusNotFound, "pair not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.ListLogs(queryUint(r, "pair_id"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		resolved = &v
	}

	conflicts, err := s.store.ListConflicts(resolved, queryUint(r, "pair_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var req struct {
		ResolutionNotes string `json:"resolution_notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conflict, err := s.store.ResolveConflict(id, req.ResolutionNotes)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conflict == nil {
		respondError(w, http.StatusNotFound, "conflict not found")
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListMappings(queryUint(r, "pair_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, mappings)
}

// --- Dashboard ---

type pairSummary struct {
	ID         uint       `json:"id"`
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Mappings   int64      `json:"mappings"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

type dashboardStats struct {
	Pairs               int              `json:"pairs"`
	ActivePairs         int              `json:"active_pairs"`
	Mappings            int64            `json:"mappings"`
	UnresolvedConflicts int64            `json:"unresolved_conflicts"`
	Last24h             map[string]int64 `json:"last_24h"`
	PairSummaries       []pairSummary    `json:"pair_summaries"`
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, _ *http.Request) {
	pairs, err := s.store.ListPairs()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats := dashboardStats{Pairs: len(pairs)}

	for _, pair := range pairs {
		if pair.Enabled {
			stats.ActivePairs++
		}
		count, err := s.store.CountMappings(pair.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats.PairSummaries = append(stats.PairSummaries, pairSummary{
			ID:         pair.ID,
			Name:       pair.Name,
			Enabled:    pair.Enabled,
			Mappings:   count,
			LastSyncAt: pair.LastSyncAt,
		})
	}

	if stats.Mappings, err = s.store.CountMappings(0); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unresolved := false
	if stats.UnresolvedConflicts, err = s.store.CountConflicts(&unresolved); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats.Last24h, err = s.store.LogStatusCountsSince(time.Now().UTC().Add(-24 * time.Hour)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDashboardActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	logs, err := s.store.ListLogs(0, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, logs)
}
