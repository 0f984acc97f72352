// Package snapshot models an immutable copy of the repo fleet at known shas,
// together with the tests derived from it.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/execute"
	"github.com/markus-barta/aquacd/internal/perennial"
)

// Snapshot is an immutable, named, timestamped copy of every active repo.
// Once Constructed is set, only per-test mutable fields change.
type Snapshot struct {
	RootDir     string            `json:"rootDir"`
	UseRootDir  bool              `json:"useRootDir"`
	Timestamp   int64             `json:"timestamp"`
	Name        string            `json:"name"`
	Constructed bool              `json:"constructed"`
	Exists      bool              `json:"exists"`
	Directory   string            `json:"directory,omitempty"`
	Repos       []string          `json:"repos"`
	SHAs        map[string]string `json:"shas"`
	Tests       []*Test           `json:"tests"`

	byName map[string]*Test
}

// Stub carries enough of a snapshot to delete its directory after a restart.
type Stub struct {
	Name       string `json:"name"`
	Timestamp  int64  `json:"timestamp"`
	Directory  string `json:"directory,omitempty"`
	UseRootDir bool   `json:"useRootDir"`
	Exists     bool   `json:"exists"`
}

// AsStub reduces a snapshot to its deletable remains.
func (s *Snapshot) AsStub() Stub {
	return Stub{
		Name:       s.Name,
		Timestamp:  s.Timestamp,
		Directory:  s.Directory,
		UseRootDir: s.UseRootDir,
		Exists:     s.Exists,
	}
}

// New allocates a snapshot shell: name, timestamp, and target directory. The
// caller registers it as pending before Populate so a crash mid-create leaves
// a cleanable reference behind.
func New(cfg *config.Config) *Snapshot {
	timestamp := time.Now().UnixMilli()
	s := &Snapshot{
		RootDir:    cfg.RootDir,
		UseRootDir: cfg.UseRootDir,
		Timestamp:  timestamp,
		Name:       "snapshot-" + strconv.FormatInt(timestamp, 10),
		Exists:     true,
		SHAs:       map[string]string{},
		byName:     map[string]*Test{},
	}
	if s.UseRootDir {
		s.Directory = cfg.RootDir
	} else {
		s.Directory = filepath.Join(cfg.SnapshotBaseDir(), strconv.FormatInt(timestamp, 10))
	}
	return s
}

// Populate copies the repo trees (unless root-dir mode), records shas and
// commit timestamps, then expands the test listing. On any failure the
// partial directory is removed and an error returned.
func (s *Snapshot) Populate(ctx context.Context, insp *perennial.Inspector, log zerolog.Logger) error {
	log = log.With().Str("snapshot", s.Name).Logger()

	repos, err := insp.ListRepos(perennial.ListActiveRepos)
	if err != nil {
		return err
	}
	s.Repos = repos

	if err := s.populate(ctx, insp, log); err != nil {
		s.abort(log)
		return err
	}

	s.Constructed = true
	log.Info().Int("repos", len(s.Repos)).Int("tests", len(s.Tests)).Msg("snapshot constructed")
	return nil
}

func (s *Snapshot) populate(ctx context.Context, insp *perennial.Inspector, log zerolog.Logger) error {
	if !s.UseRootDir {
		log.Info().Str("directory", s.Directory).Msg("copying repos")
		if err := os.MkdirAll(s.Directory, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
		for _, repo := range s.Repos {
			src := insp.RepoDir(repo)
			dst := filepath.Join(s.Directory, repo)
			if err := copyTree(src, dst); err != nil {
				return fmt.Errorf("copy %s: %w", repo, err)
			}
		}
	}

	for _, repo := range s.Repos {
		sha, err := insp.HeadSHA(ctx, repo)
		if err != nil {
			return err
		}
		s.SHAs[repo] = sha
	}

	repoTimestamps := map[string]int64{}
	for _, repo := range s.Repos {
		ts, err := insp.LastCommitTimestamp(ctx, repo)
		if err != nil {
			return err
		}
		repoTimestamps[repo] = ts
	}

	runnables, err := insp.ListRepos(perennial.ListActiveRunnables)
	if err != nil {
		return err
	}
	runnableTimestamps := map[string]int64{}
	for _, runnable := range runnables {
		var max int64
		for _, dep := range insp.DependenciesOf(ctx, runnable) {
			if ts, ok := repoTimestamps[dep]; ok && ts > max {
				max = ts
			}
		}
		runnableTimestamps[runnable] = max
	}

	descs, err := s.listTests(ctx)
	if err != nil {
		return err
	}

	var duplicates []string
	for _, desc := range descs {
		repo := desc.Repo
		if repo == "" && len(desc.Test) > 0 {
			repo = desc.Test[0]
		}
		test := NewTest(desc, repoTimestamps[repo], runnableTimestamps[repo])
		if _, exists := s.byName[test.NameString()]; exists {
			duplicates = append(duplicates, test.NameString())
			continue
		}
		s.Tests = append(s.Tests, test)
		s.byName[test.NameString()] = test
	}

	// One synthetic test records whether the listing itself was clean.
	listing := NewTest(Description{
		Test: []string{"aqua", "test-listing"},
		Type: TypeInternal,
	}, 0, 0)
	listing.Complete = true
	if len(duplicates) == 0 {
		listing.Success = true
		listing.RecordResult(true, 0, "")
	} else {
		listing.RecordResult(false, 0, "duplicate test names: "+strings.Join(duplicates, ", "))
	}
	s.Tests = append(s.Tests, listing)
	s.byName[listing.NameString()] = listing

	return nil
}

// listTests runs the listing helper against this snapshot's perennial tree.
func (s *Snapshot) listTests(ctx context.Context) ([]Description, error) {
	res := execute.Run(ctx, execute.Command{
		Name: "node",
		Args: []string{filepath.Join("js", "listContinuousTests.js")},
		Dir:  filepath.Join(s.Directory, "perennial"),
	})
	if res.Code != 0 {
		return nil, fmt.Errorf("%w: listContinuousTests: %s", ErrListing, strings.TrimSpace(res.Stderr))
	}
	return ParseListing([]byte(res.Stdout))
}

// abort removes a partially-created directory after a failed create.
func (s *Snapshot) abort(log zerolog.Logger) {
	if s.UseRootDir || s.Directory == "" {
		return
	}
	if err := os.RemoveAll(s.Directory); err != nil {
		log.Warn().Err(err).Str("directory", s.Directory).Msg("failed to remove partial snapshot")
	}
}

// Remove flips Exists and deletes the snapshot directory. In root-dir mode
// the snapshot owns no files, so only the flag changes.
func (s *Snapshot) Remove() error {
	s.Exists = false
	if s.UseRootDir {
		return nil
	}
	dir := s.Directory
	s.Directory = ""
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", s.Name, err)
	}
	return nil
}

// FindTest looks a test up by its name segments.
func (s *Snapshot) FindTest(names []string) *Test {
	return s.byName[strings.Join(names, ".")]
}

// RebuildIndex reconstructs the name lookup after deserialization.
func (s *Snapshot) RebuildIndex() {
	s.byName = make(map[string]*Test, len(s.Tests))
	for _, t := range s.Tests {
		s.byName[t.NameString()] = t
	}
}

// AvailableLocal returns tests runnable by a local worker right now.
func (s *Snapshot) AvailableLocal() []*Test {
	var tests []*Test
	for _, t := range s.Tests {
		if t.IsLocal() && !t.Complete {
			tests = append(tests, t)
		}
	}
	return tests
}

// AvailableBrowser returns tests dispatchable to a browser right now. A test
// with build dependencies waits until every dependency's build in this same
// snapshot is complete and successful.
func (s *Snapshot) AvailableBrowser() []*Test {
	var tests []*Test
	for _, t := range s.Tests {
		if !t.IsBrowser() {
			continue
		}
		if !s.buildsSatisfied(t) {
			continue
		}
		tests = append(tests, t)
	}
	return tests
}

func (s *Snapshot) buildsSatisfied(t *Test) bool {
	for _, dep := range t.Desc.BuildDependencies {
		build := s.FindTest([]string{dep, "build"})
		if build == nil || !build.Complete || !build.Success {
			return false
		}
	}
	return true
}

// UntestedBrowserCount counts browser-available tests never yet dispatched.
// The snapshot creator uses this to avoid cutting off an overnight run.
func (s *Snapshot) UntestedBrowserCount() int {
	count := 0
	for _, t := range s.AvailableBrowser() {
		if t.Count == 0 {
			count++
		}
	}
	return count
}

// BaseURL returns the URL prefix browser tests load their targets from,
// relative to the harness pages.
func (s *Snapshot) BaseURL() string {
	if s.UseRootDir {
		return ".."
	}
	return "../../ct-snapshots/" + strconv.FormatInt(s.Timestamp, 10)
}

// copyTree copies src into dst, skipping node_modules subtrees. Symlinks are
// skipped: snapshot trees must stand alone.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
