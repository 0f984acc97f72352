// Package server implements the continuous-testing engine: shared state,
// scheduler, local workers, result intake, report generation, persistence,
// and the HTTP API.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/perennial"
	"github.com/markus-barta/aquacd/internal/snapshot"
)

// Server owns all continuous-testing state. Every mutation happens under mu;
// the report cache is replaced as a whole string so readers can copy the
// pointer and serve without the lock.
type Server struct {
	cfg  *config.Config
	insp *perennial.Inspector
	log  zerolog.Logger

	mu              sync.Mutex
	snapshots       []*snapshot.Snapshot // newest-first
	pendingSnapshot *snapshot.Snapshot
	trashSnapshots  []*snapshot.Snapshot
	reportJSON      string
	lastStatus      string
	lastErrorString string
	wasStale        bool
	rootDirCreated  bool

	startupTimestamp int64

	history *History
	metrics *Metrics
	rand    func() float64 // injectable for deterministic tests
}

// New creates a server. history may be nil when the dispatch-history database
// could not be opened; results are then not written to any history.
func New(cfg *config.Config, insp *perennial.Inspector, history *History, metrics *Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:              cfg,
		insp:             insp,
		log:              log.With().Str("component", "server").Logger(),
		reportJSON:       "{}",
		wasStale:         true,
		startupTimestamp: time.Now().UnixMilli(),
		history:          history,
		metrics:          metrics,
		rand:             rand.Float64,
	}
}

// recordError stores a loop or handler failure for /status without crashing.
func (s *Server) recordError(context string, err error) {
	s.mu.Lock()
	s.lastErrorString = fmt.Sprintf("%s: %v", context, err)
	s.mu.Unlock()
	s.log.Warn().Err(err).Str("context", context).Msg("recorded error")
}

// setStatus publishes the human-readable progress line for /status.
func (s *Server) setStatus(format string, args ...any) {
	status := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.lastStatus = status
	s.mu.Unlock()
	s.log.Info().Msg(status)
}

// persistedState is the single-document checkpoint format.
type persistedState struct {
	Snapshots       []*snapshot.Snapshot `json:"snapshots"`
	PendingSnapshot *snapshot.Stub       `json:"pendingSnapshot"`
	TrashSnapshots  []snapshot.Stub      `json:"trashSnapshots"`
}

// Save checkpoints the full server state to the configured file atomically.
// Root-dir mode never persists.
func (s *Server) Save() error {
	if s.cfg.UseRootDir {
		return nil
	}

	s.mu.Lock()
	state := persistedState{
		Snapshots:      s.snapshots,
		TrashSnapshots: []snapshot.Stub{},
	}
	if s.pendingSnapshot != nil {
		stub := s.pendingSnapshot.AsStub()
		state.PendingSnapshot = &stub
	}
	for _, t := range s.trashSnapshots {
		state.TrashSnapshots = append(state.TrashSnapshots, t.AsStub())
	}
	data, err := json.Marshal(state)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := s.cfg.StatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Load restores a previous checkpoint. A missing file is a clean start. Any
// stub with a directory still on record goes to the trash list for cleanup.
func (s *Server) Load() error {
	if s.cfg.UseRootDir {
		return nil
	}

	data, err := os.ReadFile(s.cfg.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = state.Snapshots
	for _, snap := range s.snapshots {
		snap.RebuildIndex()
	}

	stubs := state.TrashSnapshots
	if state.PendingSnapshot != nil {
		stubs = append(stubs, *state.PendingSnapshot)
	}
	for _, stub := range stubs {
		if stub.Directory == "" || stub.UseRootDir {
			continue
		}
		s.trashSnapshots = append(s.trashSnapshots, &snapshot.Snapshot{
			Name:      stub.Name,
			Timestamp: stub.Timestamp,
			Directory: stub.Directory,
			Exists:    stub.Exists,
		})
	}

	s.log.Info().Int("snapshots", len(s.snapshots)).Int("trash", len(s.trashSnapshots)).
		Msg("state restored")
	return nil
}

// SnapshotCount returns the number of retained snapshots.
func (s *Server) SnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// findSnapshotLocked looks a snapshot up by name. Callers hold mu.
func (s *Server) findSnapshotLocked(name string) *snapshot.Snapshot {
	for _, snap := range s.snapshots {
		if snap.Name == name {
			return snap
		}
	}
	return nil
}
