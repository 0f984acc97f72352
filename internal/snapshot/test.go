package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// TestType discriminates how a test executes.
type TestType string

// Known test types. Local types run as child processes on the server; browser
// types are URLs dispatched to remote browsers.
const (
	TypeLint     TestType = "lint"
	TypeBuild    TestType = "build"
	TypeNpmRun   TestType = "npm-run"
	TypeSimTest  TestType = "sim-test"
	TypeQUnit    TestType = "qunit-test"
	TypePageload TestType = "pageload-test"
	TypeWrapper  TestType = "wrapper-test"
	TypeInternal TestType = "internal"
)

// ErrListing reports an invalid test description from the listing helper.
var ErrListing = errors.New("listing error")

// Description is one entry of the listing helper's JSON output. Shapes vary
// by type; Validate rejects entries the server cannot schedule.
type Description struct {
	Test                []string `json:"test"`
	Type                TestType `json:"type"`
	Repo                string   `json:"repo,omitempty"`
	Brands              []string `json:"brands,omitempty"`
	Command             string   `json:"command,omitempty"`
	URL                 string   `json:"url,omitempty"`
	QueryParameters     string   `json:"queryParameters,omitempty"`
	TestQueryParameters string   `json:"testQueryParameters,omitempty"`
	BuildDependencies   []string `json:"buildDependencies,omitempty"`
	Priority            float64  `json:"priority,omitempty"`
}

// Validate checks the per-type required fields.
func (d *Description) Validate() error {
	if len(d.Test) == 0 {
		return fmt.Errorf("%w: missing test names", ErrListing)
	}
	name := strings.Join(d.Test, ".")

	switch d.Type {
	case TypeLint, TypeNpmRun:
		if d.Repo == "" {
			return fmt.Errorf("%w: %s: missing repo", ErrListing, name)
		}
	case TypeBuild:
		if d.Repo == "" {
			return fmt.Errorf("%w: %s: missing repo", ErrListing, name)
		}
		if len(d.Brands) == 0 {
			return fmt.Errorf("%w: %s: build without brands", ErrListing, name)
		}
	case TypeSimTest, TypeQUnit, TypePageload, TypeWrapper:
		if d.URL == "" {
			return fmt.Errorf("%w: %s: missing url", ErrListing, name)
		}
	case TypeInternal:
		// Synthetic, created by the server itself.
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrListing, name, d.Type)
	}

	if d.Priority < 0 {
		return fmt.Errorf("%w: %s: negative priority", ErrListing, name)
	}
	return nil
}

// TestResult is one recorded outcome. Results are append-only.
type TestResult struct {
	Passed       bool   `json:"passed"`
	Message      string `json:"message,omitempty"`
	Milliseconds int64  `json:"milliseconds"`
}

// Test is a single scheduled unit within a snapshot. The mutable fields
// (Results, Complete, Success, Count, Weight) are guarded by the server lock.
type Test struct {
	Desc                        Description  `json:"description"`
	Results                     []TestResult `json:"results"`
	Complete                    bool         `json:"complete"`
	Success                     bool         `json:"success"`
	Count                       int          `json:"count"`
	RepoCommitTimestamp         int64        `json:"repoCommitTimestamp,omitempty"`
	DependenciesCommitTimestamp int64        `json:"dependenciesCommitTimestamp,omitempty"`

	// Weight is recomputed by the scheduler; it is not persisted.
	Weight float64 `json:"-"`

	nameString string
}

// NewTest builds a Test from a validated description and the commit
// timestamps of its primary repo.
func NewTest(desc Description, repoTimestamp, depsTimestamp int64) *Test {
	if desc.Priority == 0 {
		desc.Priority = 1
	}
	return &Test{
		Desc:                        desc,
		RepoCommitTimestamp:         repoTimestamp,
		DependenciesCommitTimestamp: depsTimestamp,
		Weight:                      desc.Priority,
		nameString:                  strings.Join(desc.Test, "."),
	}
}

// Names returns the ordered name segments.
func (t *Test) Names() []string {
	return t.Desc.Test
}

// NameString returns the dot-joined test name, unique within a snapshot.
func (t *Test) NameString() string {
	if t.nameString == "" {
		t.nameString = strings.Join(t.Desc.Test, ".")
	}
	return t.nameString
}

// IsLocal reports whether the test runs as a child process on the server.
func (t *Test) IsLocal() bool {
	switch t.Desc.Type {
	case TypeLint, TypeBuild, TypeNpmRun:
		return true
	}
	return false
}

// IsBrowser reports whether the test is dispatched to a remote browser.
func (t *Test) IsBrowser() bool {
	switch t.Desc.Type {
	case TypeSimTest, TypeQUnit, TypePageload, TypeWrapper:
		return true
	}
	return false
}

// RecordResult appends a result.
func (t *Test) RecordResult(passed bool, milliseconds int64, message string) {
	t.Results = append(t.Results, TestResult{
		Passed:       passed,
		Message:      message,
		Milliseconds: milliseconds,
	})
}

// encodeComponent matches the encoding browsers expect for the url= query
// value (spaces as %20, not +).
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// WireURL builds the harness URL dispatched to a browser. base is either the
// repository root or the snapshot-relative path.
func (t *Test) WireURL(base string) string {
	target := base + "/" + t.Desc.URL

	var b strings.Builder
	switch t.Desc.Type {
	case TypeSimTest:
		b.WriteString("sim-test.html?url=")
		b.WriteString(encodeComponent(target))
		if t.Desc.QueryParameters != "" {
			b.WriteString("&simQueryParameters=")
			b.WriteString(encodeComponent(t.Desc.QueryParameters))
		}
	case TypeQUnit:
		b.WriteString("qunit-test.html?url=")
		b.WriteString(encodeComponent(target))
	case TypePageload:
		b.WriteString("pageload-test.html?url=")
		b.WriteString(encodeComponent(target))
	case TypeWrapper:
		b.WriteString("wrapper-test.html?url=")
		b.WriteString(encodeComponent(target))
	default:
		return ""
	}

	if t.Desc.TestQueryParameters != "" {
		b.WriteString("&")
		b.WriteString(t.Desc.TestQueryParameters)
	}
	return b.String()
}

// ParseListing decodes the listing helper's JSON output into validated
// descriptions. Any invalid entry fails the whole listing.
func ParseListing(data []byte) ([]Description, error) {
	var descs []Description
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListing, err)
	}
	for i := range descs {
		if err := descs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return descs, nil
}
