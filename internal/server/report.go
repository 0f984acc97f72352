package server

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// TestResultPayload is the body posted to /aquaserver/test-result.
type TestResultPayload struct {
	SnapshotName string   `json:"snapshotName"`
	Test         []string `json:"test"`
	Passed       bool     `json:"passed"`
	Message      string   `json:"message"`
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
}

// HandleTestResult records a browser-posted result. Lookup misses are logged
// and dropped; the client still gets a 200. A message reporting the harness
// timeout page records nothing at all.
func (s *Server) HandleTestResult(p TestResultPayload) {
	if strings.Contains(p.Message, "errors.html#timeout") {
		return
	}

	message := p.Message
	if !p.Passed && message == "" {
		message = fmt.Sprintf("[no message] reported by client %s", p.ID)
	}

	elapsed := time.Now().UnixMilli() - p.Timestamp
	if elapsed < 0 {
		elapsed = 0
	}

	s.mu.Lock()
	snap := s.findSnapshotLocked(p.SnapshotName)
	if snap == nil {
		s.mu.Unlock()
		s.log.Debug().Str("snapshot", p.SnapshotName).Msg("result for unknown snapshot dropped")
		return
	}
	test := snap.FindTest(p.Test)
	if test == nil {
		s.mu.Unlock()
		s.log.Debug().Str("snapshot", p.SnapshotName).Str("test", strings.Join(p.Test, ".")).
			Msg("result for unknown test dropped")
		return
	}
	test.RecordResult(p.Passed, elapsed, message)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Results.WithLabelValues(passedLabel(p.Passed)).Inc()
	}
	if s.history != nil {
		s.history.Record(p.SnapshotName, strings.Join(p.Test, "."), "browser", p.Passed, elapsed, message)
	}
}

// Report aggregate shapes. One cell per (snapshot, test-name) pair.
type reportCell struct {
	Y int      `json:"y"`
	N int      `json:"n"`
	M []string `json:"m,omitempty"`
}

type reportSnapshot struct {
	Name      string       `json:"name"`
	Timestamp int64        `json:"timestamp"`
	Tests     []reportCell `json:"tests"`
}

type reportDocument struct {
	Snapshots        []reportSnapshot `json:"snapshots"`
	TestNames        [][]string       `json:"testNames"`
	TestAverageTimes []float64        `json:"testAverageTimes"`
	TestWeights      []float64        `json:"testWeights"`
}

// RebuildReport regenerates the flattened report aggregate and caches it as
// a single JSON string for /report. Generation is pure: identical state
// yields an identical string.
func (s *Server) RebuildReport() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots
	if len(snaps) > s.cfg.ReportSnapshotCap {
		snaps = snaps[:s.cfg.ReportSnapshotCap]
	}

	// Union of test names across retained snapshots, sorted by nameString.
	nameSet := map[string][]string{}
	for _, snap := range snaps {
		for _, t := range snap.Tests {
			if _, ok := nameSet[t.NameString()]; !ok {
				nameSet[t.NameString()] = t.Names()
			}
		}
	}
	nameStrings := make([]string, 0, len(nameSet))
	for name := range nameSet {
		nameStrings = append(nameStrings, name)
	}
	sort.Strings(nameStrings)

	doc := reportDocument{
		Snapshots:        []reportSnapshot{},
		TestNames:        make([][]string, len(nameStrings)),
		TestAverageTimes: make([]float64, len(nameStrings)),
		TestWeights:      make([]float64, len(nameStrings)),
	}

	timeSums := make([]float64, len(nameStrings))
	timeCounts := make([]int, len(nameStrings))

	for _, snap := range snaps {
		rs := reportSnapshot{
			Name:      snap.Name,
			Timestamp: snap.Timestamp,
			Tests:     make([]reportCell, len(nameStrings)),
		}
		for i, name := range nameStrings {
			test := nameSet[name]
			t := snap.FindTest(test)
			if t == nil {
				continue
			}
			cell := reportCell{}
			seen := map[string]bool{}
			for _, r := range t.Results {
				if r.Passed {
					cell.Y++
				} else {
					cell.N++
					if r.Message != "" && !seen[r.Message] {
						seen[r.Message] = true
						cell.M = append(cell.M, r.Message)
					}
				}
				if r.Milliseconds > 0 {
					timeSums[i] += float64(r.Milliseconds)
					timeCounts[i]++
				}
			}
			rs.Tests[i] = cell
		}
		doc.Snapshots = append(doc.Snapshots, rs)
	}

	for i, name := range nameStrings {
		doc.TestNames[i] = nameSet[name]
		if timeCounts[i] > 0 {
			doc.TestAverageTimes[i] = timeSums[i] / float64(timeCounts[i])
		}
		if len(snaps) > 0 {
			if t := snaps[0].FindTest(nameSet[name]); t != nil {
				doc.TestWeights[i] = math.Round(t.Weight*100) / 100
			}
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	s.reportJSON = string(data)

	if s.metrics != nil {
		s.metrics.Snapshots.Set(float64(len(s.snapshots)))
		local, browser := 0, 0
		for _, snap := range s.sampledSnapshotsLocked() {
			local += len(snap.AvailableLocal())
			browser += len(snap.AvailableBrowser())
		}
		s.metrics.AvailableTests.WithLabelValues("local").Set(float64(local))
		s.metrics.AvailableTests.WithLabelValues("browser").Set(float64(browser))
	}
	return nil
}

// ReportJSON returns the cached report without holding the lock during the
// write to the client.
func (s *Server) ReportJSON() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportJSON
}
