package server

import (
	"time"

	"github.com/markus-barta/aquacd/internal/snapshot"
)

// Dispatch is the object handed to a browser client. The empty dispatch
// (snapshotName and test null, url "no-test.html") means wait and retry.
type Dispatch struct {
	SnapshotName *string  `json:"snapshotName"`
	Test         []string `json:"test"`
	URL          string   `json:"url"`
	Timestamp    int64    `json:"timestamp,omitempty"`
}

func emptyDispatch() Dispatch {
	return Dispatch{URL: "no-test.html"}
}

// candidate ties a test to the snapshot it lives in; tests hold no back
// pointers, so the pairing travels with the pool.
type candidate struct {
	snap *snapshot.Snapshot
	test *snapshot.Test
}

// Age anchors of the weight function. A fresh repo commit doubles a test's
// weight; fresh dependencies raise it by half. Both decay to a constant
// floor past twelve hours.
const (
	twoHours    = 2 * time.Hour
	twelveHours = 12 * time.Hour
)

// ageFactor interpolates piecewise-linearly between the factor at age zero,
// at two hours, and at twelve hours; beyond twelve hours it is constant.
func ageFactor(age time.Duration, at0, at2h, at12h float64) float64 {
	switch {
	case age <= 0:
		return at0
	case age < twoHours:
		frac := float64(age) / float64(twoHours)
		return at0 + (at2h-at0)*frac
	case age < twelveHours:
		frac := float64(age-twoHours) / float64(twelveHours-twoHours)
		return at2h + (at12h-at2h)*frac
	default:
		return at12h
	}
}

// weightForLocked computes a test's scheduling weight: its priority scaled by
// commit freshness and by its recent pass/fail history across snapshots
// (newest-first). Callers hold mu.
func (s *Server) weightForLocked(t *snapshot.Test, now time.Time) float64 {
	w := t.Desc.Priority

	if t.RepoCommitTimestamp > 0 {
		age := now.Sub(time.UnixMilli(t.RepoCommitTimestamp))
		w *= ageFactor(age, 2.0, 1.0, 0.5)
	}
	if t.DependenciesCommitTimestamp > 0 {
		age := now.Sub(time.UnixMilli(t.DependenciesCommitTimestamp))
		w *= ageFactor(age, 1.5, 1.0, 0.75)
	}

	lastTestedIndex := -1
	lastFailedIndex := -1
	for idx, snap := range s.snapshots {
		same := snap.FindTest(t.Names())
		if same == nil {
			continue
		}
		if lastTestedIndex < 0 && len(same.Results) > 0 {
			lastTestedIndex = idx
		}
		if lastFailedIndex < 0 {
			for _, r := range same.Results {
				if !r.Passed {
					lastFailedIndex = idx
					break
				}
			}
		}
		if lastTestedIndex >= 0 && lastFailedIndex >= 0 {
			break
		}
	}

	switch {
	case lastFailedIndex >= 0 && lastFailedIndex < 3:
		w *= 6
	case lastFailedIndex >= 0:
		w *= 3
	case lastTestedIndex < 0:
		w *= 1.5
	case lastTestedIndex == 0:
		w *= 0.3
	case lastTestedIndex == 1:
		w *= 0.7
	}
	return w
}

// RecomputeWeights refreshes the stored weight of every test in the sampled
// snapshots. Runs on a cadence and keeps /report's weights current.
func (s *Server) RecomputeWeights() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.sampledSnapshotsLocked() {
		for _, t := range snap.Tests {
			t.Weight = s.weightForLocked(t, now)
		}
	}
}

// sampledSnapshotsLocked returns the snapshots dispatch draws from: the two
// newest. Callers hold mu.
func (s *Server) sampledSnapshotsLocked() []*snapshot.Snapshot {
	if len(s.snapshots) > 2 {
		return s.snapshots[:2]
	}
	return s.snapshots
}

// sampleByWeightLocked picks one candidate by weight: r uniform in [0, Σw),
// first index whose running total reaches r; last element on numeric edge.
func (s *Server) sampleByWeightLocked(pool []candidate, now time.Time) candidate {
	total := 0.0
	weights := make([]float64, len(pool))
	for i, c := range pool {
		w := s.weightForLocked(c.test, now)
		c.test.Weight = w
		weights[i] = w
		total += w
	}

	r := s.rand() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if cumulative >= r {
			return pool[i]
		}
	}
	return pool[len(pool)-1]
}

// NextBrowserTest picks a browser-available test: pool from the two newest
// snapshots, filtered to the minimum dispatch count, then weighted sampling.
// The count increments before the response is written.
func (s *Server) NextBrowserTest() Dispatch {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pool []candidate
	for _, snap := range s.sampledSnapshotsLocked() {
		for _, t := range snap.AvailableBrowser() {
			pool = append(pool, candidate{snap: snap, test: t})
		}
	}
	if len(pool) == 0 {
		return emptyDispatch()
	}

	minCount := pool[0].test.Count
	for _, c := range pool[1:] {
		if c.test.Count < minCount {
			minCount = c.test.Count
		}
	}
	var minimal []candidate
	for _, c := range pool {
		if c.test.Count == minCount {
			minimal = append(minimal, c)
		}
	}

	picked := s.sampleByWeightLocked(minimal, now)
	picked.test.Count++
	if s.metrics != nil {
		s.metrics.Dispatches.WithLabelValues("browser").Inc()
	}

	name := picked.snap.Name
	return Dispatch{
		SnapshotName: &name,
		Test:         picked.test.Names(),
		URL:          picked.test.WireURL(picked.snap.BaseURL()),
		Timestamp:    now.UnixMilli(),
	}
}

// nextLocalTest picks a locally-runnable test and marks it complete before
// the command runs, guaranteeing at most one attempt per snapshot and test.
func (s *Server) nextLocalTest() (*snapshot.Snapshot, *snapshot.Test) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pool []candidate
	for _, snap := range s.sampledSnapshotsLocked() {
		for _, t := range snap.AvailableLocal() {
			pool = append(pool, candidate{snap: snap, test: t})
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	picked := s.sampleByWeightLocked(pool, now)
	picked.test.Complete = true
	if s.metrics != nil {
		s.metrics.Dispatches.WithLabelValues("local").Inc()
	}
	return picked.snap, picked.test
}
