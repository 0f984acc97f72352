package server

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/snapshot"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, nil, nil, nil, zerolog.Nop())

	build := snapshot.NewTest(snapshot.Description{
		Test: []string{"alpha", "build"}, Type: snapshot.TypeBuild,
		Repo: "alpha", Brands: []string{"phet"},
	}, 1000, 2000)
	build.Complete = true
	build.Success = true
	build.RecordResult(true, 1234, "built fine")

	fuzz := browserTest("alpha", "fuzz")
	fuzz.Count = 7
	fuzz.RecordResult(false, 400, "boom")

	older := &snapshot.Snapshot{
		Name: "snapshot-1", Timestamp: 1, Exists: false, Constructed: true,
		Repos: []string{"alpha"}, SHAs: map[string]string{"alpha": "aa"},
		Tests: []*snapshot.Test{browserTest("alpha", "fuzz")},
	}
	newer := &snapshot.Snapshot{
		Name: "snapshot-2", Timestamp: 2, Exists: true, Constructed: true,
		Directory: "/tmp/snap-2",
		Repos:     []string{"alpha"}, SHAs: map[string]string{"alpha": "bb"},
		Tests: []*snapshot.Test{build, fuzz},
	}
	addSnapshot(s, older)
	addSnapshot(s, newer)

	s.mu.Lock()
	s.trashSnapshots = []*snapshot.Snapshot{{Name: "snapshot-0", Timestamp: 0,
		Directory: "/tmp/snap-0", Exists: true}}
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := New(cfg, nil, nil, nil, zerolog.Nop())
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	restored.mu.Lock()
	defer restored.mu.Unlock()

	if len(restored.snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(restored.snapshots))
	}
	if restored.snapshots[0].Name != "snapshot-2" || restored.snapshots[1].Name != "snapshot-1" {
		t.Error("snapshot ordering lost in round trip")
	}
	if restored.snapshots[0].SHAs["alpha"] != "bb" {
		t.Error("shas lost in round trip")
	}

	rb := restored.snapshots[0].FindTest([]string{"alpha", "build"})
	if rb == nil {
		t.Fatal("name lookup must work after load")
	}
	if !rb.Complete || !rb.Success || len(rb.Results) != 1 || rb.Results[0].Milliseconds != 1234 {
		t.Errorf("local test state lost: %+v", rb)
	}
	if rb.RepoCommitTimestamp != 1000 || rb.DependenciesCommitTimestamp != 2000 {
		t.Error("commit timestamps lost")
	}

	rf := restored.snapshots[0].FindTest([]string{"alpha", "fuzz"})
	if rf.Count != 7 || len(rf.Results) != 1 || rf.Results[0].Passed {
		t.Errorf("browser test state lost: %+v", rf)
	}

	if len(restored.trashSnapshots) != 1 || restored.trashSnapshots[0].Directory != "/tmp/snap-0" {
		t.Errorf("trash stubs lost: %+v", restored.trashSnapshots)
	}
}

func TestSaveLoadSaveIsStable(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, nil, nil, nil, zerolog.Nop())

	test := browserTest("a", "fuzz")
	test.RecordResult(true, 50, "")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1, Exists: true,
		Constructed: true, Repos: []string{"a"}, SHAs: map[string]string{"a": "cc"},
		Tests: []*snapshot.Test{test}})

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(cfg.StatePath())
	if err != nil {
		t.Fatal(err)
	}

	restored := New(cfg, nil, nil, nil, zerolog.Nop())
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	if err := restored.Save(); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(cfg.StatePath())
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Error("load-then-save must reproduce the document")
	}
}

func TestPendingSnapshotPersistsAsStub(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, nil, nil, nil, zerolog.Nop())

	s.mu.Lock()
	s.pendingSnapshot = &snapshot.Snapshot{Name: "snapshot-9", Timestamp: 9,
		Directory: "/tmp/snap-9", Exists: true}
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["pendingSnapshot"]) == "null" {
		t.Fatal("pending snapshot should serialize as a stub")
	}

	// On load the pending stub joins the trash list for cleanup.
	restored := New(cfg, nil, nil, nil, zerolog.Nop())
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	restored.mu.Lock()
	defer restored.mu.Unlock()
	if len(restored.trashSnapshots) != 1 || restored.trashSnapshots[0].Name != "snapshot-9" {
		t.Errorf("pending stub should be queued for cleanup: %+v", restored.trashSnapshots)
	}
}

func TestRootDirModeDisablesPersistence(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseRootDir = true
	s := New(cfg, nil, nil, nil, zerolog.Nop())

	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.StatePath()); !os.IsNotExist(err) {
		t.Error("root-dir mode must not write a state file")
	}
}
