package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/markus-barta/aquacd/internal/snapshot"
)

func TestHandleTestResult(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	s.HandleTestResult(TestResultPayload{
		SnapshotName: "snapshot-1",
		Test:         []string{"a", "fuzz"},
		Passed:       true,
		Timestamp:    time.Now().UnixMilli() - 1500,
	})

	if len(test.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(test.Results))
	}
	if !test.Results[0].Passed {
		t.Error("result should be a pass")
	}
	if test.Results[0].Milliseconds < 1500 {
		t.Errorf("elapsed = %d, want at least 1500", test.Results[0].Milliseconds)
	}
}

func TestHandleTestResult_TimeoutMessageSkipped(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	s.HandleTestResult(TestResultPayload{
		SnapshotName: "snapshot-1",
		Test:         []string{"a", "fuzz"},
		Passed:       false,
		Message:      "loaded errors.html#timeout waiting for frame",
	})

	if len(test.Results) != 0 {
		t.Errorf("timeout-page results must not be recorded, got %d", len(test.Results))
	}
}

func TestHandleTestResult_SynthesizedMessage(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	s.HandleTestResult(TestResultPayload{
		SnapshotName: "snapshot-1",
		Test:         []string{"a", "fuzz"},
		Passed:       false,
		ID:           "browser-7",
	})

	if len(test.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(test.Results))
	}
	if !strings.Contains(test.Results[0].Message, "browser-7") {
		t.Errorf("empty failure message should name the client: %q", test.Results[0].Message)
	}
}

func TestHandleTestResult_UnknownDropped(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	s.HandleTestResult(TestResultPayload{SnapshotName: "snapshot-9", Test: []string{"a", "fuzz"}})
	s.HandleTestResult(TestResultPayload{SnapshotName: "snapshot-1", Test: []string{"no", "such"}})

	if len(test.Results) != 0 {
		t.Errorf("lookup misses must drop silently, got %d results", len(test.Results))
	}
}

func TestRebuildReport(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	test.RecordResult(true, 100, "")
	test.RecordResult(false, 300, "boom")
	test.RecordResult(false, 0, "boom") // duplicate message, zero ms excluded from average
	test.Weight = 1.236
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	if err := s.RebuildReport(); err != nil {
		t.Fatalf("RebuildReport: %v", err)
	}

	var doc struct {
		Snapshots []struct {
			Name  string `json:"name"`
			Tests []struct {
				Y int      `json:"y"`
				N int      `json:"n"`
				M []string `json:"m"`
			} `json:"tests"`
		} `json:"snapshots"`
		TestNames        [][]string `json:"testNames"`
		TestAverageTimes []float64  `json:"testAverageTimes"`
		TestWeights      []float64  `json:"testWeights"`
	}
	if err := json.Unmarshal([]byte(s.ReportJSON()), &doc); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}

	if len(doc.Snapshots) != 1 || len(doc.TestNames) != 1 {
		t.Fatalf("report shape: %+v", doc)
	}
	cell := doc.Snapshots[0].Tests[0]
	if cell.Y != 1 || cell.N != 2 {
		t.Errorf("cell = %+v, want y=1 n=2", cell)
	}
	if len(cell.M) != 1 || cell.M[0] != "boom" {
		t.Errorf("messages should deduplicate: %v", cell.M)
	}
	if doc.TestAverageTimes[0] != 200 {
		t.Errorf("average = %v, want 200 (zero ms excluded)", doc.TestAverageTimes[0])
	}
	if doc.TestWeights[0] != 1.24 {
		t.Errorf("weight = %v, want rounded 1.24", doc.TestWeights[0])
	}
}

func TestRebuildReportIsPure(t *testing.T) {
	s := testServer(t)

	test := browserTest("a", "fuzz")
	test.RecordResult(false, 100, "boom")
	addSnapshot(s, &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{test}})

	if err := s.RebuildReport(); err != nil {
		t.Fatal(err)
	}
	first := s.ReportJSON()
	if err := s.RebuildReport(); err != nil {
		t.Fatal(err)
	}
	if second := s.ReportJSON(); second != first {
		t.Error("report generation must be pure on identical state")
	}
}

func TestReportNamesSortedAcrossSnapshots(t *testing.T) {
	s := testServer(t)

	older := &snapshot.Snapshot{Name: "snapshot-1", Timestamp: 1,
		Tests: []*snapshot.Test{browserTest("zeta", "fuzz")}}
	newer := &snapshot.Snapshot{Name: "snapshot-2", Timestamp: 2,
		Tests: []*snapshot.Test{browserTest("alpha", "fuzz")}}
	addSnapshot(s, older)
	addSnapshot(s, newer)

	if err := s.RebuildReport(); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		TestNames [][]string `json:"testNames"`
	}
	if err := json.Unmarshal([]byte(s.ReportJSON()), &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.TestNames) != 2 || doc.TestNames[0][0] != "alpha" || doc.TestNames[1][0] != "zeta" {
		t.Errorf("testNames should union and sort: %v", doc.TestNames)
	}
}
