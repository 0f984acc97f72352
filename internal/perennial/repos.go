// Package perennial inspects the repo working copies and the perennial data
// lists that drive snapshot creation.
package perennial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/execute"
)

// Repo list kinds under <root>/perennial/data.
const (
	ListActiveRepos     = "active-repos"
	ListActiveRunnables = "active-runnables"
	ListPhetIO          = "phet-io"
	ListNpmUpdate       = "npm-update"
)

// ErrBadShaFormat reports a git sha that is not 40 hex characters.
var ErrBadShaFormat = errors.New("bad sha format")

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Inspector reads repo lists and git state. All operations shell out; errors
// are non-fatal and callers retry on the next cycle.
type Inspector struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewInspector creates an inspector rooted at the configured checkout.
func NewInspector(cfg *config.Config, log zerolog.Logger) *Inspector {
	return &Inspector{
		cfg: cfg,
		log: log.With().Str("component", "perennial").Logger(),
	}
}

// RepoDir returns the working-copy path for a repo.
func (i *Inspector) RepoDir(repo string) string {
	return filepath.Join(i.cfg.RootDir, repo)
}

// ListRepos reads a newline-delimited repo list. CR line endings are
// tolerated; blank lines are skipped.
func (i *Inspector) ListRepos(kind string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(i.cfg.DataDir(), kind))
	if err != nil {
		return nil, fmt.Errorf("read repo list %s: %w", kind, err)
	}

	var repos []string
	for _, line := range strings.Split(string(data), "\n") {
		repo := strings.TrimRight(line, "\r")
		if repo != "" {
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

// HeadSHA returns the 40-hex sha of the repo's local main branch.
func (i *Inspector) HeadSHA(ctx context.Context, repo string) (string, error) {
	res := execute.Run(ctx, execute.Command{
		Name: "git",
		Args: []string{"rev-parse", "main"},
		Dir:  i.RepoDir(repo),
	})
	if res.Code != 0 {
		return "", fmt.Errorf("git rev-parse in %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	sha := strings.TrimSpace(res.Stdout)
	if !shaPattern.MatchString(sha) {
		return "", fmt.Errorf("%w: %q in %s", ErrBadShaFormat, sha, repo)
	}
	return sha, nil
}

// RemoteSHA returns the sha of the repo's remote main tip.
func (i *Inspector) RemoteSHA(ctx context.Context, repo string) (string, error) {
	url := i.cfg.OriginBase + "/" + repo + ".git"
	res := execute.Run(ctx, execute.Command{
		Name: "git",
		Args: []string{"ls-remote", url, "refs/heads/main"},
		Dir:  i.cfg.RootDir,
	})
	if res.Code != 0 {
		return "", fmt.Errorf("git ls-remote %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("git ls-remote %s: no refs/heads/main", repo)
	}
	sha := fields[0]
	if !shaPattern.MatchString(sha) {
		return "", fmt.Errorf("%w: %q from remote %s", ErrBadShaFormat, sha, repo)
	}
	return sha, nil
}

// IsStale reports whether the repo's local main differs from the remote tip.
// Our own repo is always reported fresh: a self-update here would trigger an
// endless snapshot loop.
func (i *Inspector) IsStale(ctx context.Context, repo string) (bool, error) {
	if repo == i.cfg.SelfRepo {
		return false, nil
	}
	local, err := i.HeadSHA(ctx, repo)
	if err != nil {
		return false, err
	}
	remote, err := i.RemoteSHA(ctx, repo)
	if err != nil {
		return false, err
	}
	return local != remote, nil
}

// LastCommitTimestamp returns the ms epoch of the repo's HEAD commit.
func (i *Inspector) LastCommitTimestamp(ctx context.Context, repo string) (int64, error) {
	res := execute.Run(ctx, execute.Command{
		Name: "git",
		Args: []string{"log", "-1", "--format=%ct", "HEAD"},
		Dir:  i.RepoDir(repo),
	})
	if res.Code != 0 {
		return 0, fmt.Errorf("git log in %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse commit timestamp in %s: %w", repo, err)
	}
	return seconds * 1000, nil
}

// DependenciesOf runs the perennial print-dependencies helper and returns the
// repo's transitive dependency list. A missing or failing helper is treated
// as no dependencies.
func (i *Inspector) DependenciesOf(ctx context.Context, repo string) []string {
	res := execute.Run(ctx, execute.Command{
		Name: "node",
		Args: []string{filepath.Join("js", "print-dependencies.js"), repo},
		Dir:  filepath.Join(i.cfg.RootDir, "perennial"),
	})
	if res.Code != 0 {
		i.log.Debug().Str("repo", repo).Str("stderr", strings.TrimSpace(res.Stderr)).
			Msg("print-dependencies failed, assuming none")
		return nil
	}

	var deps []string
	for _, dep := range strings.Split(strings.TrimSpace(res.Stdout), ",") {
		dep = strings.TrimSpace(dep)
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps
}

// IsMissing reports whether the repo has no working copy on disk.
func (i *Inspector) IsMissing(repo string) bool {
	_, err := os.Stat(filepath.Join(i.RepoDir(repo), ".git"))
	return os.IsNotExist(err)
}

// Pull fast-forwards the repo's working copy.
func (i *Inspector) Pull(ctx context.Context, repo string) error {
	res := execute.Run(ctx, execute.Command{
		Name: "git",
		Args: []string{"pull"},
		Dir:  i.RepoDir(repo),
	})
	if res.Code != 0 {
		return fmt.Errorf("git pull %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Clone creates a missing working copy from the configured origin.
func (i *Inspector) Clone(ctx context.Context, repo string) error {
	url := i.cfg.OriginBase + "/" + repo + ".git"
	res := execute.Run(ctx, execute.Command{
		Name: "git",
		Args: []string{"clone", url, repo},
		Dir:  i.cfg.RootDir,
	})
	if res.Code != 0 {
		return fmt.Errorf("git clone %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// NpmUpdate refreshes a repo's node_modules. Each repo gets its own cache and
// tmp directory so parallel updates do not collide.
func (i *Inspector) NpmUpdate(ctx context.Context, repo string) error {
	cacheDir := filepath.Join(i.cfg.RootDir, ".npm-caches", repo)
	res := execute.Run(ctx, execute.Command{
		Name: execute.NpmName(),
		Args: []string{
			"update",
			"--cache=" + filepath.Join(cacheDir, "cache"),
			"--tmp=" + filepath.Join(cacheDir, "tmp"),
		},
		Dir: i.RepoDir(repo),
	})
	if res.Code != 0 {
		return fmt.Errorf("npm update %s: %s", repo, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// TranspileAll runs the project-wide transpile step after pulls so browser
// tests see current build output.
func (i *Inspector) TranspileAll(ctx context.Context) error {
	res := execute.Run(ctx, execute.Command{
		Name:    execute.GruntName(),
		Args:    []string{"output-js-all"},
		Dir:     filepath.Join(i.cfg.RootDir, "chipper"),
		Env:     execute.NodeHeapEnv(i.cfg.ChildHeapMB),
		Timeout: i.cfg.CommandTimeout,
	})
	if res.Code != 0 {
		return fmt.Errorf("output-js-all: %s", tail(res.Stderr, 2000))
	}
	return nil
}

// tail returns the last n bytes of s, for log-sized error excerpts.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// StaleRepos scans the given repos and returns the stale subset. Scan errors
// on individual repos are logged and skipped so one unreachable remote cannot
// stall the whole scan.
func (i *Inspector) StaleRepos(ctx context.Context, repos []string) []string {
	var stale []string
	start := time.Now()
	for _, repo := range repos {
		ok, err := i.IsStale(ctx, repo)
		if err != nil {
			i.log.Warn().Err(err).Str("repo", repo).Msg("staleness check failed")
			continue
		}
		if ok {
			stale = append(stale, repo)
		}
	}
	i.log.Debug().Int("repos", len(repos)).Int("stale", len(stale)).
		Dur("elapsed", time.Since(start)).Msg("staleness scan complete")
	return stale
}
