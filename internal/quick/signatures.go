package quick

import (
	"regexp"
	"strings"
)

// filePathLine matches tool output lines that begin a new finding: the first
// token looks like a path (separator plus extension), optionally followed by
// line and column numbers.
var filePathLine = regexp.MustCompile(`^\s*\S*[/\\]\S*\.[A-Za-z]+(:\d+(:\d+)?)?\b`)

// ExtractSignatures scans lint and type-check output line by line. A
// file-path line starts a signature that runs until the next file-path line
// or a blank; everything else between belongs to the current signature.
// Signatures are deduplicated in order of first appearance.
func ExtractSignatures(output string) []string {
	var sigs []string
	seen := map[string]bool{}
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		sig := strings.TrimSpace(strings.Join(current, "\n"))
		current = nil
		if sig == "" || seen[sig] {
			return
		}
		seen[sig] = true
		sigs = append(sigs, sig)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case filePathLine.MatchString(line):
			flush()
			current = []string{line}
		case current != nil:
			current = append(current, line)
		}
	}
	flush()
	return sigs
}
