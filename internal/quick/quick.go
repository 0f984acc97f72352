// Package quick implements the fast broken-or-not engine: a fixed test
// battery over the live working copy, with chat notifications on failure-set
// transitions.
package quick

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/execute"
	"github.com/markus-barta/aquacd/internal/notify"
	"github.com/markus-barta/aquacd/internal/perennial"
)

// cycleWallClock caps one full cycle; a hung child aborts the cycle and the
// driver starts a fresh one.
const cycleWallClock = 30 * time.Minute

// purgeEvery is how many refreshes pass between output-cache purges.
const purgeEvery = 10

// Result is one quick test's outcome.
type Result struct {
	Passed        bool     `json:"passed"`
	Message       string   `json:"message,omitempty"`
	ErrorMessages []string `json:"errorMessages,omitempty"`
}

// TestingState is served verbatim by /quickserver/status.
type TestingState struct {
	Tests     map[string]Result `json:"tests"`
	SHAs      map[string]string `json:"shas"`
	Timestamp int64             `json:"timestamp"`
}

// quickTest names one battery entry and how to run it. Fuzz entries invoke
// the external browser runner; all the engine sees is an exit code.
type quickTest struct {
	name       string
	command    string
	args       []string
	dir        string // relative to the root checkout
	signatures bool   // line-scan output into signatures (lint, type-check)
}

func battery() []quickTest {
	return []quickTest{
		{name: "lint", command: execute.GruntName(), args: []string{"lint-everything", "--hide-progress-bar"}, dir: "perennial", signatures: true},
		{name: "typeCheck", command: execute.GruntName(), args: []string{"type-check", "--all"}, dir: "chipper", signatures: true},
		{name: "simFuzz", command: "node", args: []string{filepath.Join("js", "local", "quick-fuzz.js"), "--sim=my-solar-system", "--brand=phet"}, dir: "aqua"},
		{name: "studioFuzz", command: "node", args: []string{filepath.Join("js", "local", "quick-fuzz.js"), "--sim=states-of-matter", "--wrapper=studio"}, dir: "aqua"},
		{name: "phetioCompare", command: execute.GruntName(), args: []string{"compare-phet-io-api", "--stable"}, dir: "chipper"},
	}
}

// Engine owns the quick-test state and cycle loop.
type Engine struct {
	cfg      *config.Config
	insp     *perennial.Inspector
	notifier notify.Notifier
	log      zerolog.Logger

	mu              sync.Mutex
	state           TestingState
	lastFailures    map[string]bool // signature set of the previous cycle
	ranOnce         bool
	forced          bool
	refreshCount    int
	lastErrorString string

	startupTimestamp int64
}

// NewEngine creates the quick engine.
func NewEngine(cfg *config.Config, insp *perennial.Inspector, notifier notify.Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		insp:     insp,
		notifier: notifier,
		log:      log.With().Str("component", "quick").Logger(),
		state: TestingState{
			Tests: map[string]Result{},
			SHAs:  map[string]string{},
		},
		startupTimestamp: time.Now().UnixMilli(),
	}
}

// Trigger forces the next cycle to refresh and re-run even with no stale
// repos.
func (e *Engine) Trigger() {
	e.mu.Lock()
	e.forced = true
	e.mu.Unlock()
}

// RunLoop drives cycles until the context ends, waiting the configured idle
// time between them. Cycle failures are recorded and the loop continues.
func (e *Engine) RunLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := e.cycle(ctx); err != nil {
			e.mu.Lock()
			e.lastErrorString = err.Error()
			e.mu.Unlock()
			e.log.Warn().Err(err).Msg("quick cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.QuickIdleWait):
		}
	}
}

// cycle refreshes the working copy when anything upstream moved, then runs
// the battery and announces transitions.
func (e *Engine) cycle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cycleWallClock)
	defer cancel()

	repos, err := e.insp.ListRepos(perennial.ListActiveRepos)
	if err != nil {
		return err
	}

	stale := e.insp.StaleRepos(ctx, repos)

	e.mu.Lock()
	needRun := len(stale) > 0 || !e.ranOnce || e.forced
	e.forced = false
	e.mu.Unlock()
	if !needRun {
		return nil
	}

	if err := e.refresh(ctx, repos, stale); err != nil {
		return err
	}

	results := e.runBattery(ctx)
	shas := e.collectSHAs(ctx, repos)

	e.mu.Lock()
	e.state = TestingState{
		Tests:     results,
		SHAs:      shas,
		Timestamp: time.Now().UnixMilli(),
	}
	previous := e.lastFailures
	first := !e.ranOnce
	e.ranOnce = true
	failures := failureSet(results)
	e.lastFailures = failures
	e.mu.Unlock()

	e.announce(ctx, first, previous, failures)
	return nil
}

// refresh pulls stale repos, clones missing ones, refreshes node_modules for
// the npm-update list, occasionally purges the transpile cache, and
// transpiles once.
func (e *Engine) refresh(ctx context.Context, repos, stale []string) error {
	for _, repo := range stale {
		e.log.Info().Str("repo", repo).Msg("pulling")
		if err := e.insp.Pull(ctx, repo); err != nil {
			return err
		}
	}
	for _, repo := range repos {
		if e.insp.IsMissing(repo) {
			e.log.Info().Str("repo", repo).Msg("cloning")
			if err := e.insp.Clone(ctx, repo); err != nil {
				return err
			}
		}
	}

	npmRepos, err := e.insp.ListRepos(perennial.ListNpmUpdate)
	if err != nil {
		return err
	}
	for _, repo := range npmRepos {
		if err := e.insp.NpmUpdate(ctx, repo); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.refreshCount++
	purge := e.refreshCount%purgeEvery == 0
	e.mu.Unlock()
	if purge {
		dist := filepath.Join(e.cfg.RootDir, "chipper", "dist")
		e.log.Info().Str("dir", dist).Msg("purging output cache")
		if err := os.RemoveAll(dist); err != nil {
			e.log.Warn().Err(err).Msg("cache purge failed")
		}
	}

	return e.insp.TranspileAll(ctx)
}

// runBattery executes the five tests concurrently and classifies each.
func (e *Engine) runBattery(ctx context.Context) map[string]Result {
	results := make(map[string]Result, 5)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, qt := range battery() {
		qt := qt
		g.Go(func() error {
			start := time.Now()
			res := execute.Run(ctx, execute.Command{
				Name:    qt.command,
				Args:    qt.args,
				Dir:     filepath.Join(e.cfg.RootDir, qt.dir),
				Env:     execute.NodeHeapEnv(e.cfg.ChildHeapMB),
				Timeout: e.cfg.CommandTimeout,
			})

			result := Result{Passed: res.Passed()}
			if !result.Passed {
				result.Message = res.Blob()
				if qt.signatures {
					result.ErrorMessages = ExtractSignatures(res.Stdout + "\n" + res.Stderr)
				} else {
					result.ErrorMessages = []string{strings.TrimSpace(res.Stderr + "\n" + res.Stdout)}
				}
			}

			mu.Lock()
			results[qt.name] = result
			mu.Unlock()

			e.log.Info().Str("test", qt.name).Bool("passed", result.Passed).
				Dur("elapsed", time.Since(start)).Msg("quick test finished")
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) collectSHAs(ctx context.Context, repos []string) map[string]string {
	shas := make(map[string]string, len(repos))
	for _, repo := range repos {
		sha, err := e.insp.HeadSHA(ctx, repo)
		if err != nil {
			continue
		}
		shas[repo] = sha
	}
	return shas
}

// failureSet flattens results into the signature set used for transition
// comparison. Signatures are prefixed with their test name so identical text
// from different tools stays distinct.
func failureSet(results map[string]Result) map[string]bool {
	set := map[string]bool{}
	for name, r := range results {
		if r.Passed {
			continue
		}
		if len(r.ErrorMessages) == 0 {
			set[name+": (no output)"] = true
			continue
		}
		for _, sig := range r.ErrorMessages {
			set[name+": "+sig] = true
		}
	}
	return set
}

// announce posts the transition between the previous failure set and this
// one. Broken→broken only speaks up when new items appeared.
func (e *Engine) announce(ctx context.Context, first bool, previous, current map[string]bool) {
	var text string
	switch {
	case len(current) == 0 && first:
		text = "CTQ passing on startup"
	case len(current) == 0 && len(previous) > 0:
		text = "CTQ passing"
	case len(current) > 0 && (first || len(previous) == 0):
		text = "CTQ broken:\n" + joinSorted(current)
	case len(current) > 0:
		fresh := map[string]bool{}
		for sig := range current {
			if !previous[sig] {
				fresh[sig] = true
			}
		}
		if len(fresh) == 0 {
			return
		}
		text = "CTQ still broken, new items:\n" + joinSorted(fresh)
	default:
		return
	}

	if err := e.notifier.Send(ctx, text); err != nil {
		e.log.Warn().Err(err).Msg("transition notification failed")
	}
}

func joinSorted(set map[string]bool) string {
	items := make([]string, 0, len(set))
	for sig := range set {
		items = append(items, sig)
	}
	sort.Strings(items)
	return strings.Join(items, "\n")
}

// State returns a copy of the latest testing state.
func (e *Engine) State() TestingState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := TestingState{
		Tests:     make(map[string]Result, len(e.state.Tests)),
		SHAs:      make(map[string]string, len(e.state.SHAs)),
		Timestamp: e.state.Timestamp,
	}
	for k, v := range e.state.Tests {
		state.Tests[k] = v
	}
	for k, v := range e.state.SHAs {
		state.SHAs[k] = v
	}
	return state
}

// LastError returns the most recent cycle failure, if any.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErrorString
}

// StartupTimestamp returns when this engine booted.
func (e *Engine) StartupTimestamp() int64 {
	return e.startupTimestamp
}
