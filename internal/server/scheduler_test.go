package server

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/snapshot"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.LocalCount = 1
	return cfg
}

func testServer(t *testing.T) *Server {
	return New(testConfig(t), nil, nil, nil, zerolog.Nop())
}

func browserTest(names ...string) *snapshot.Test {
	return snapshot.NewTest(snapshot.Description{
		Test: names, Type: snapshot.TypeSimTest, URL: "u/u_en.html",
	}, 0, 0)
}

func addSnapshot(s *Server, snap *snapshot.Snapshot) {
	snap.RebuildIndex()
	s.mu.Lock()
	s.snapshots = append([]*snapshot.Snapshot{snap}, s.snapshots...)
	s.mu.Unlock()
}

func TestAgeFactorAnchors(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{0, 2.0},
		{2 * time.Hour, 1.0},
		{12 * time.Hour, 0.5},
		{24 * time.Hour, 0.5},
		{time.Hour, 1.5}, // midpoint of the first segment
	}
	for _, c := range cases {
		got := ageFactor(c.age, 2.0, 1.0, 0.5)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ageFactor(%v) = %v, want %v", c.age, got, c.want)
		}
	}

	deps := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1.5},
		{2 * time.Hour, 1.0},
		{12 * time.Hour, 0.75},
		{48 * time.Hour, 0.75},
	}
	for _, c := range deps {
		got := ageFactor(c.age, 1.5, 1.0, 0.75)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("deps ageFactor(%v) = %v, want %v", c.age, got, c.want)
		}
	}
}

func TestWeightHistoryMultipliers(t *testing.T) {
	s := testServer(t)
	now := time.Now()

	never := browserTest("a", "never")
	tested := browserTest("b", "tested")
	tested.RecordResult(true, 100, "")
	failed := browserTest("c", "failed")
	failed.RecordResult(false, 100, "boom")

	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{never, tested, failed}})

	s.mu.Lock()
	defer s.mu.Unlock()

	if got := s.weightForLocked(never, now); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("never-tested weight = %v, want 1.5", got)
	}
	if got := s.weightForLocked(tested, now); math.Abs(got-0.3) > 1e-9 {
		t.Errorf("tested-in-snapshot-0 weight = %v, want 0.3", got)
	}
	if got := s.weightForLocked(failed, now); math.Abs(got-6.0) > 1e-9 {
		t.Errorf("recently-failed weight = %v, want 6", got)
	}
}

func TestWeightFailedInOldSnapshot(t *testing.T) {
	s := testServer(t)
	now := time.Now()

	// Same test name across five snapshots; the only failure is in the
	// fourth-newest, past the recent-failure boost.
	var current *snapshot.Test
	for i := 4; i >= 0; i-- {
		test := browserTest("a", "fuzz")
		if i == 3 {
			test.RecordResult(false, 100, "boom")
		}
		addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-" + string(rune('a'+i)),
			Timestamp: int64(10 - i), Tests: []*snapshot.Test{test}})
		if i == 0 {
			current = test
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.weightForLocked(current, now); math.Abs(got-3.0) > 1e-9 {
		t.Errorf("old-failure weight = %v, want 3", got)
	}
}

func TestWeightedDispatchDistribution(t *testing.T) {
	s := testServer(t)
	s.rand = rand.New(rand.NewSource(42)).Float64

	tested := browserTest("t1", "fuzz")
	tested.RecordResult(true, 100, "")
	never := browserTest("t2", "fuzz")

	snap := &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{tested, never}}
	addSnapshot(s, snap)

	pool := []candidate{{snap: snap, test: tested}, {snap: snap, test: never}}

	const draws = 10000
	counts := map[*snapshot.Test]int{}
	now := time.Now()
	s.mu.Lock()
	for i := 0; i < draws; i++ {
		picked := s.sampleByWeightLocked(pool, now)
		counts[picked.test]++
	}
	s.mu.Unlock()

	// Weights 0.3 : 1.5, so the never-tested test should take 5/6 of draws,
	// within 2% of the theoretical ratio.
	want := draws * 1.5 / 1.8
	if math.Abs(float64(counts[never])-want) > 0.02*draws {
		t.Errorf("never-tested drawn %d times, want about %.0f", counts[never], want)
	}
}

func TestNextBrowserTestIncrementsCount(t *testing.T) {
	s := testServer(t)

	test := browserTest("alpha", "fuzz", "unbuilt")
	test.Desc.QueryParameters = "brand=phet&ea"
	test.Desc.URL = "x/x_en.html"
	snap := &snapshot.Snapshot{Name: "snapshot-1700000000000", Timestamp: 1700000000000,
		Tests: []*snapshot.Test{test}}
	addSnapshot(s, snap)

	d := s.NextBrowserTest()
	if d.SnapshotName == nil || *d.SnapshotName != snap.Name {
		t.Fatalf("dispatch snapshot = %v", d.SnapshotName)
	}
	if len(d.Test) != 3 || d.Test[0] != "alpha" {
		t.Errorf("dispatch test = %v", d.Test)
	}
	want := "sim-test.html?url=..%2F..%2Fct-snapshots%2F1700000000000%2Fx%2Fx_en.html&simQueryParameters=brand%3Dphet%26ea"
	if d.URL != want {
		t.Errorf("dispatch url = %q, want %q", d.URL, want)
	}
	if d.Timestamp == 0 {
		t.Error("dispatch timestamp missing")
	}
	if test.Count != 1 {
		t.Errorf("count after one dispatch = %d, want 1", test.Count)
	}
}

func TestNextBrowserTestMinCountFilter(t *testing.T) {
	s := testServer(t)

	hot := browserTest("a", "fuzz")
	hot.Count = 5
	cold := browserTest("b", "fuzz")

	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{hot, cold}})

	for i := 0; i < 5; i++ {
		d := s.NextBrowserTest()
		if d.Test[0] != "b" {
			t.Fatalf("draw %d picked %v, want the min-count test", i, d.Test)
		}
	}
	if cold.Count != 5 {
		t.Errorf("cold count = %d, want 5", cold.Count)
	}
}

func TestNextBrowserTestEmpty(t *testing.T) {
	s := testServer(t)
	d := s.NextBrowserTest()
	if d.SnapshotName != nil || d.Test != nil || d.URL != "no-test.html" {
		t.Errorf("empty dispatch = %+v", d)
	}
}

func TestBuildGateBlocksDispatch(t *testing.T) {
	s := testServer(t)

	build := snapshot.NewTest(snapshot.Description{
		Test: []string{"alpha", "build"}, Type: snapshot.TypeBuild,
		Repo: "alpha", Brands: []string{"phet"},
	}, 0, 0)
	gated := snapshot.NewTest(snapshot.Description{
		Test: []string{"alpha", "sim-fuzz", "built"}, Type: snapshot.TypeSimTest,
		URL: "u", BuildDependencies: []string{"alpha"},
	}, 0, 0)
	snap := &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{build, gated}}
	addSnapshot(s, snap)

	if d := s.NextBrowserTest(); d.SnapshotName != nil {
		t.Fatalf("gated test dispatched before build: %v", d.Test)
	}

	// A passing build result opens the gate.
	s.mu.Lock()
	build.Complete = true
	build.Success = true
	s.mu.Unlock()

	d := s.NextBrowserTest()
	if d.SnapshotName == nil || d.Test[2] != "built" {
		t.Fatalf("gated test should dispatch after build: %+v", d)
	}
}

func TestNextLocalTestMarksComplete(t *testing.T) {
	s := testServer(t)

	lint := snapshot.NewTest(snapshot.Description{
		Test: []string{"a", "lint"}, Type: snapshot.TypeLint, Repo: "a",
	}, 0, 0)
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{lint}})

	snap, test := s.nextLocalTest()
	if snap == nil || test != lint {
		t.Fatalf("nextLocalTest = %v, %v", snap, test)
	}
	if !test.Complete {
		t.Error("local test must be complete at dispatch, before the command runs")
	}

	// At-most-once: the same test never comes back.
	if _, again := s.nextLocalTest(); again != nil {
		t.Errorf("dispatched local test returned again: %v", again.NameString())
	}
}
