package server

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/aquacd/internal/perennial"
	"github.com/markus-barta/aquacd/internal/snapshot"
)

// RunLoops starts every driver loop and blocks until the context ends. Each
// loop isolates its own failures into lastErrorString and keeps going.
func (s *Server) RunLoops(ctx context.Context) {
	go s.tickLoop(ctx, "weights", s.cfg.WeightInterval, func(context.Context) error {
		s.RecomputeWeights()
		return nil
	})
	go s.tickLoop(ctx, "report", s.cfg.ReportInterval, func(context.Context) error {
		return s.RebuildReport()
	})
	go s.tickLoop(ctx, "autosave", s.cfg.AutosaveInterval, func(context.Context) error {
		return s.Save()
	})

	for i := 0; i < s.cfg.LocalCount; i++ {
		go s.workerLoop(ctx, i)
	}

	s.snapshotCreatorLoop(ctx)
}

// tickLoop runs fn on a fixed cadence, recovering from both errors and
// panics so one bad cycle cannot kill the loop.
func (s *Server) tickLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guarded(ctx, name, fn)
		}
	}
}

func (s *Server) guarded(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.recordError(name, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := fn(ctx); err != nil {
		s.recordError(name, err)
	}
}

// snapshotCreatorLoop watches the repo fleet and freezes a snapshot whenever
// a stable point follows a stale one.
func (s *Server) snapshotCreatorLoop(ctx context.Context) {
	s.restoreStaleness(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		s.guarded(ctx, "snapshot-creator", s.snapshotCycle)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.WorkerIdleSleep):
		}
	}
}

// restoreStaleness recomputes wasStale after a restart by comparing the
// newest restored snapshot's shas against current heads. With nothing
// restored the initial true stands.
func (s *Server) restoreStaleness(ctx context.Context) {
	s.mu.Lock()
	var newest *snapshot.Snapshot
	if len(s.snapshots) > 0 {
		newest = s.snapshots[0]
	}
	s.mu.Unlock()
	if newest == nil {
		return
	}

	for repo, sha := range newest.SHAs {
		current, err := s.insp.HeadSHA(ctx, repo)
		if err != nil || current != sha {
			return // stays stale; a snapshot will follow once quiet
		}
	}

	s.mu.Lock()
	s.wasStale = false
	s.mu.Unlock()
	s.log.Info().Str("snapshot", newest.Name).Msg("restored snapshot matches current heads")
}

// snapshotCycle is one pass of the creator algorithm: settle stale repos
// first, then snapshot once the fleet is quiet.
func (s *Server) snapshotCycle(ctx context.Context) error {
	if s.cfg.UseRootDir {
		return s.createRootDirSnapshot(ctx)
	}
	if !s.cfg.Snapshot {
		return nil
	}

	repos, err := s.insp.ListRepos(perennial.ListActiveRepos)
	if err != nil {
		return err
	}

	stale := s.insp.StaleRepos(ctx, repos)
	if len(stale) > 0 {
		s.mu.Lock()
		s.wasStale = true
		s.mu.Unlock()
		return s.settleRepos(ctx, repos, stale)
	}

	s.mu.Lock()
	wasStale := s.wasStale
	var newest *snapshot.Snapshot
	if len(s.snapshots) > 0 {
		newest = s.snapshots[0]
	}
	s.mu.Unlock()

	if !wasStale {
		return nil
	}

	// Overnight runs get the long fuzzes; do not cut one off while the
	// newest snapshot still has never-dispatched browser tests.
	if time.Now().Hour() < 5 && newest != nil {
		s.mu.Lock()
		untested := newest.UntestedBrowserCount()
		s.mu.Unlock()
		if untested > 0 {
			s.setStatus("deferring snapshot: %d untested browser tests remain", untested)
			return nil
		}
	}

	return s.createSnapshot(ctx)
}

// settleRepos pulls stale repos, clones missing ones, refreshes node_modules
// where the npm-update list says so, and retranspiles. The next cycle
// rescans from the top.
func (s *Server) settleRepos(ctx context.Context, repos, stale []string) error {
	s.setStatus("pulling %d stale repos", len(stale))

	updated := map[string]bool{}
	for _, repo := range stale {
		if err := s.insp.Pull(ctx, repo); err != nil {
			return err
		}
		updated[repo] = true
	}
	for _, repo := range repos {
		if s.insp.IsMissing(repo) {
			s.setStatus("cloning missing repo %s", repo)
			if err := s.insp.Clone(ctx, repo); err != nil {
				return err
			}
			updated[repo] = true
		}
	}

	npmRepos, err := s.insp.ListRepos(perennial.ListNpmUpdate)
	if err != nil {
		return err
	}
	for _, repo := range npmRepos {
		if !updated[repo] {
			continue
		}
		s.setStatus("npm update %s", repo)
		if err := s.insp.NpmUpdate(ctx, repo); err != nil {
			return err
		}
	}

	s.setStatus("transpiling after pulls")
	return s.insp.TranspileAll(ctx)
}

// createRootDirSnapshot serves the live tree as a single snapshot that is
// never copied and never retired.
func (s *Server) createRootDirSnapshot(ctx context.Context) error {
	s.mu.Lock()
	done := s.rootDirCreated
	s.mu.Unlock()
	if done {
		return nil
	}

	snap := snapshot.New(s.cfg)
	if err := snap.Populate(ctx, s.insp, s.log); err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshots = append([]*snapshot.Snapshot{snap}, s.snapshots...)
	s.rootDirCreated = true
	s.mu.Unlock()

	s.setStatus("root-dir snapshot %s ready with %d tests", snap.Name, len(snap.Tests))
	return nil
}

// createSnapshot freezes the current fleet, then retires and trashes old
// snapshots.
func (s *Server) createSnapshot(ctx context.Context) error {
	snap := snapshot.New(s.cfg)
	s.setStatus("creating %s", snap.Name)

	s.mu.Lock()
	s.pendingSnapshot = snap
	s.mu.Unlock()
	if err := s.Save(); err != nil {
		s.log.Warn().Err(err).Msg("pre-create save failed")
	}

	if err := snap.Populate(ctx, s.insp, s.log); err != nil {
		// The partial directory is already gone; drop the pending reference.
		s.mu.Lock()
		s.pendingSnapshot = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.snapshots = append([]*snapshot.Snapshot{snap}, s.snapshots...)
	s.pendingSnapshot = nil
	s.wasStale = false
	trashed := s.retireLocked()
	trashed = append(trashed, s.trashOldLocked()...)
	s.mu.Unlock()

	for _, old := range trashed {
		go s.deleteTrash(old)
	}

	s.setStatus("created %s with %d tests", snap.Name, len(snap.Tests))
	return s.Save()
}

// retireLocked pops snapshots beyond the retained-count bound, returning any
// that still own a directory. Callers hold mu.
func (s *Server) retireLocked() []*snapshot.Snapshot {
	var trashed []*snapshot.Snapshot
	for len(s.snapshots) > s.cfg.SnapshotRetainCount {
		old := s.snapshots[len(s.snapshots)-1]
		s.snapshots = s.snapshots[:len(s.snapshots)-1]
		s.log.Info().Str("snapshot", old.Name).Msg("retired from report")
		if old.Exists && !old.UseRootDir {
			s.trashSnapshots = append(s.trashSnapshots, old)
			trashed = append(trashed, old)
		}
	}
	return trashed
}

// trashOldLocked queues directories past the live bound for deletion and
// returns them. Callers hold mu.
func (s *Server) trashOldLocked() []*snapshot.Snapshot {
	var trashed []*snapshot.Snapshot
	for idx, snap := range s.snapshots {
		if idx < s.cfg.SnapshotLiveCount || !snap.Exists || snap.UseRootDir {
			continue
		}
		if s.inTrashLocked(snap) {
			continue // deletion already underway
		}
		s.trashSnapshots = append(s.trashSnapshots, snap)
		trashed = append(trashed, snap)
	}
	return trashed
}

func (s *Server) inTrashLocked(snap *snapshot.Snapshot) bool {
	for _, t := range s.trashSnapshots {
		if t == snap {
			return true
		}
	}
	return false
}

// deleteTrash removes one snapshot directory in the background, then drops
// it from the trash list and checkpoints. The disk removal runs outside the
// lock; once trashed, only this goroutine touches the snapshot's paths.
func (s *Server) deleteTrash(snap *snapshot.Snapshot) {
	if err := snap.Remove(); err != nil {
		s.recordError("trash", err)
		return
	}

	s.mu.Lock()
	for i, t := range s.trashSnapshots {
		if t == snap {
			s.trashSnapshots = append(s.trashSnapshots[:i], s.trashSnapshots[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.log.Info().Str("snapshot", snap.Name).Msg("snapshot directory removed")
	if err := s.Save(); err != nil {
		s.recordError("trash-save", err)
	}
}

// ProcessTrash deletes any directories restored into the trash list at boot.
func (s *Server) ProcessTrash() {
	s.mu.Lock()
	pending := make([]*snapshot.Snapshot, len(s.trashSnapshots))
	copy(pending, s.trashSnapshots)
	s.mu.Unlock()

	for _, snap := range pending {
		go s.deleteTrash(snap)
	}
}
