package server

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/markus-barta/aquacd/internal/execute"
	"github.com/markus-barta/aquacd/internal/snapshot"
)

// maxBlobLen bounds each stream (stdout, stderr) in the failure message
// recorded for a local test; streams keep their tail, where build tools put
// the interesting part.
const maxBlobLen = 10000

// workerLoop pulls local tests and runs them until the context ends. N
// copies of this loop run in parallel.
func (s *Server) workerLoop(ctx context.Context, id int) {
	log := s.log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		snap, test := s.nextLocalTest()
		if test == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.WorkerIdleSleep):
			}
			continue
		}

		log.Info().Str("snapshot", snap.Name).Str("test", test.NameString()).Msg("running local test")
		s.runLocalTest(ctx, snap, test)
	}
}

// runLocalTest executes the command for a dispatched local test and records
// its single result. The test was already marked complete at dispatch.
func (s *Server) runLocalTest(ctx context.Context, snap *snapshot.Snapshot, test *snapshot.Test) {
	cmd, err := s.localCommand(snap, test)
	if err != nil {
		s.recordLocalResult(snap, test, execute.Result{Code: 1, Stderr: err.Error()}, 0)
		return
	}

	start := time.Now()
	res := execute.Run(ctx, cmd)
	s.recordLocalResult(snap, test, res, time.Since(start).Milliseconds())
}

// localCommand maps a test type to its child process, run in the snapshot's
// copy of the repo.
func (s *Server) localCommand(snap *snapshot.Snapshot, test *snapshot.Test) (execute.Command, error) {
	dir := filepath.Join(snap.Directory, test.Desc.Repo)
	env := execute.NodeHeapEnv(s.cfg.ChildHeapMB)

	switch test.Desc.Type {
	case snapshot.TypeLint:
		return execute.Command{
			Name: execute.GruntName(), Args: []string{"lint"},
			Dir: dir, Env: env, Timeout: s.cfg.CommandTimeout,
		}, nil
	case snapshot.TypeBuild:
		return execute.Command{
			Name: execute.GruntName(),
			Args: []string{"--brands=" + strings.Join(test.Desc.Brands, ","), "--lint=false"},
			Dir:  dir, Env: env, Timeout: s.cfg.CommandTimeout,
		}, nil
	case snapshot.TypeNpmRun:
		return execute.Command{
			Name: execute.NpmName(), Args: []string{"run", test.Desc.Command},
			Dir: dir, Env: env, Timeout: s.cfg.CommandTimeout,
		}, nil
	default:
		return execute.Command{}, fmt.Errorf("test %s is not locally runnable", test.NameString())
	}
}

// recordLocalResult appends the pass/fail result under the lock and mirrors
// it into the history database.
func (s *Server) recordLocalResult(snap *snapshot.Snapshot, test *snapshot.Test, res execute.Result, elapsedMs int64) {
	passed := res.Passed()
	var message string
	if passed {
		message = res.Stdout
	} else {
		message = trimBlob(res)
	}

	s.mu.Lock()
	test.RecordResult(passed, elapsedMs, message)
	if passed {
		test.Success = true
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Results.WithLabelValues(passedLabel(passed)).Inc()
	}
	if s.history != nil {
		s.history.Record(snap.Name, test.NameString(), "local", passed, elapsedMs, message)
	}

	s.log.Info().Str("snapshot", snap.Name).Str("test", test.NameString()).
		Bool("passed", passed).Int64("ms", elapsedMs).Msg("local test finished")
}

func passedLabel(passed bool) string {
	if passed {
		return "true"
	}
	return "false"
}

// trimBlob formats a failed run, keeping each stream's tail.
func trimBlob(res execute.Result) string {
	return fmt.Sprintf("code: %d\nstdout:\n%s\nstderr:\n%s",
		res.Code, tailOf(res.Stdout), tailOf(res.Stderr))
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxBlobLen {
		return s
	}
	return s[len(s)-maxBlobLen:]
}
