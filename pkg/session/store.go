// Package session implements the durable session store: every session lives
// in one JSON document on disk, written atomically via a sibling temp file
// and rename, with per-session mutexes serialising read-modify-write cycles.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osprey-sec/osprey/pkg/audit"
	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
)

// storeDocument is the on-disk shape: {"sessions": {id: session}}.
type storeDocument struct {
	Sessions map[string]*models.Session `json:"sessions"`
}

// Store is the process-wide session map. The store-level mutex guards the
// maps and the file write; per-session mutexes serialise whole
// read-modify-write cycles so concurrent writers to different sessions don't
// block each other's patch functions.
type Store struct {
	path       string
	auditRoot  string
	staleAfter time.Duration

	mu       sync.Mutex
	sessions map[string]*models.Session
	locks    map[string]*sync.Mutex
}

// NewStore loads (or initialises) the store file.
func NewStore(path, auditRoot string, staleAfter time.Duration) (*Store, error) {
	s := &Store{
		path:       path,
		auditRoot:  auditRoot,
		staleAfter: staleAfter,
		sessions:   map[string]*models.Session{},
		locks:      map[string]*sync.Mutex{},
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, oserr.Filesystem(fmt.Errorf("create store dir: %w", err))
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, oserr.Filesystem(fmt.Errorf("read session store: %w", err))
	}
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("parse session store %s: %w", path, err))
	}
	if doc.Sessions != nil {
		s.sessions = doc.Sessions
	}
	return s, nil
}

// Create returns the session for (target, workspace), reusing any session
// for that pair that has not finished its pipeline; otherwise it allocates a
// new one. Creation first sweeps stale sessions: anything inactive past the
// staleness threshold is demoted to interrupted and its running agents are
// migrated into failed.
func (s *Store) Create(pipeline, target, workspace, configPath string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepStaleLocked(time.Now())

	p, ok := models.PipelineByName(pipeline)
	if !ok {
		return nil, oserr.Validation("unknown pipeline: %s", pipeline)
	}

	for _, sess := range s.sessions {
		if sess.Target == target && sess.Workspace == workspace && !sess.PipelineComplete(p) {
			sess.Status = models.StatusInProgress
			sess.LastActivity = time.Now().UTC()
			if configPath != "" {
				sess.ConfigPath = configPath
			}
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
			slog.Info("Resuming session", "session_id", sess.ID, "target", target)
			return sess.Clone(), nil
		}
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:           uuid.New().String(),
		Target:       target,
		Workspace:    workspace,
		ConfigPath:   configPath,
		Pipeline:     pipeline,
		Status:       models.StatusInProgress,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[sess.ID] = sess
	if err := s.persistLocked(); err != nil {
		delete(s.sessions, sess.ID)
		return nil, err
	}
	slog.Info("Created session", "session_id", sess.ID, "target", target, "workspace", workspace)
	return sess.Clone(), nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, oserr.Validation("session not found: %s", id)
	}
	return sess.Clone(), nil
}

// List returns copies of all sessions, newest first.
func (s *Store) List() []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Latest returns the most recently created session, or a validation error
// when the store is empty. Commands without --session use it.
func (s *Store) Latest() (*models.Session, error) {
	all := s.List()
	if len(all) == 0 {
		return nil, oserr.Validation("no sessions exist; run a pipeline first")
	}
	return all[0], nil
}

// Update runs patch on a copy of the session under its mutex, recomputes
// status, stamps lastActivity, and persists. The patched copy is returned.
func (s *Store) Update(id string, patch func(*models.Session) error) (*models.Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, oserr.Validation("session not found: %s", id)
	}
	working := sess.Clone()
	s.mu.Unlock()

	if err := patch(working); err != nil {
		return nil, err
	}
	recomputeStatus(working)
	working.LastActivity = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, oserr.Validation("session deleted during update: %s", id)
	}
	s.sessions[id] = working
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return working.Clone(), nil
}

// MarkRunning moves the agent into runningAgents.
func (s *Store) MarkRunning(id, agent string) error {
	_, err := s.Update(id, func(sess *models.Session) error {
		sess.RemoveAgent(agent)
		sess.RunningAgents = models.AddUnique(sess.RunningAgents, agent)
		return nil
	})
	return err
}

// MarkCompleted moves the agent into completedAgents and records its
// checkpoint when one was taken.
func (s *Store) MarkCompleted(id, agent, checkpoint string) error {
	_, err := s.Update(id, func(sess *models.Session) error {
		sess.RemoveAgent(agent)
		sess.CompletedAgents = models.AddUnique(sess.CompletedAgents, agent)
		if checkpoint != "" {
			if sess.Checkpoints == nil {
				sess.Checkpoints = map[string]string{}
			}
			sess.Checkpoints[agent] = checkpoint
		}
		return nil
	})
	return err
}

// MarkFailed moves the agent into failedAgents.
func (s *Store) MarkFailed(id, agent string) error {
	_, err := s.Update(id, func(sess *models.Session) error {
		sess.RemoveAgent(agent)
		sess.FailedAgents = models.AddUnique(sess.FailedAgents, agent)
		return nil
	})
	return err
}

// MarkSkipped moves the agent into skippedAgents.
func (s *Store) MarkSkipped(id, agent string) error {
	_, err := s.Update(id, func(sess *models.Session) error {
		sess.RemoveAgent(agent)
		sess.SkippedAgents = models.AddUnique(sess.SkippedAgents, agent)
		return nil
	})
	return err
}

// MarkInterrupted is the signal path: running agents migrate into failed and
// the session is labelled interrupted. The label sticks until the next
// MarkRunning.
func (s *Store) MarkInterrupted(id string) error {
	_, err := s.Update(id, func(sess *models.Session) error {
		for _, agent := range slices.Clone(sess.RunningAgents) {
			sess.RemoveAgent(agent)
			sess.FailedAgents = models.AddUnique(sess.FailedAgents, agent)
		}
		sess.Status = models.StatusInterrupted
		return nil
	})
	return err
}

// Delete removes the session record, then best-effort removes the session's
// artifacts: workspace deliverables/ and outputs/, the audit directory, and
// browser logs. Artifact failures are warnings; the record is gone either
// way.
func (s *Store) Delete(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return oserr.Validation("session not found: %s", id)
	}
	removed := sess.Clone()
	delete(s.sessions, id)
	delete(s.locks, id)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, dir := range []string{
		filepath.Join(removed.Workspace, "deliverables"),
		filepath.Join(removed.Workspace, "outputs"),
		filepath.Join(removed.Workspace, ".browser-logs"),
		audit.DirFor(s.auditRoot, removed.Target, removed.ID),
	} {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("Session cleanup failed", "session_id", id, "dir", dir, "error", rmErr)
		}
	}
	slog.Info("Deleted session", "session_id", id)
	return nil
}

// DeleteAll removes every session and its artifacts.
func (s *Store) DeleteAll() error {
	for _, sess := range s.List() {
		if err := s.Delete(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// sweepStaleLocked demotes sessions whose lastActivity predates the
// staleness threshold: running agents migrate to failed and the session is
// labelled interrupted. Catches sessions left behind by crashed processes.
func (s *Store) sweepStaleLocked(now time.Time) {
	if s.staleAfter <= 0 {
		return
	}
	dirty := false
	for _, sess := range s.sessions {
		if sess.Status != models.StatusInProgress && sess.Status != models.StatusRunning {
			continue
		}
		if now.Sub(sess.LastActivity) <= s.staleAfter {
			continue
		}
		for _, agent := range slices.Clone(sess.RunningAgents) {
			sess.RemoveAgent(agent)
			sess.FailedAgents = models.AddUnique(sess.FailedAgents, agent)
		}
		sess.Status = models.StatusInterrupted
		dirty = true
		slog.Warn("Demoted stale session", "session_id", sess.ID,
			"last_activity", sess.LastActivity.Format(time.RFC3339))
	}
	if dirty {
		if err := s.persistLocked(); err != nil {
			slog.Warn("Failed to persist stale sweep", "error", err)
		}
	}
}

// recomputeStatus derives the status from the agent sets. Interrupted is
// sticky: it survives recomputation until an agent starts running again.
func recomputeStatus(sess *models.Session) {
	p, ok := models.PipelineByName(sess.Pipeline)
	if !ok {
		p, _ = models.PipelineByName("main")
	}
	derived := models.DeriveStatus(p, sess.CompletedAgents, sess.SkippedAgents, sess.FailedAgents, sess.RunningAgents)
	if sess.Status == models.StatusInterrupted && derived != models.StatusRunning {
		return
	}
	sess.Status = derived
}

// persistLocked writes the whole document to a sibling temp file and renames
// it over the store path. Readers observe the old or the new document, never
// a torn one.
func (s *Store) persistLocked() error {
	doc := storeDocument{Sessions: s.sessions}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return oserr.Filesystem(fmt.Errorf("marshal session store: %w", err))
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return oserr.Filesystem(fmt.Errorf("write session store temp: %w", err))
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return oserr.Filesystem(fmt.Errorf("rename session store: %w", err))
	}
	return nil
}
