package environment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Requirement is a single line of a requirements file.
type Requirement struct {
	Name string // normalized bare package name
	Spec string // the line as written, passed to the package manager
}

var separatorRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName lower-cases a package name and collapses runs of
// '-', '_' and '.' into a single '-'.
func NormalizeName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// bareName returns the package name portion of a requirement specifier,
// dropping version pins, extras, markers and direct references.
func bareName(spec string) string {
	if i := strings.IndexAny(spec, "=<>!~;[@ \t"); i >= 0 {
		spec = spec[:i]
	}
	return NormalizeName(spec)
}

// ReadRequirements reads a newline-delimited requirements file.
func ReadRequirements(path string) ([]Requirement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open requirements: %w", err)
	}
	defer f.Close()
	return ParseRequirements(f)
}

// ParseRequirements parses requirements text. Blank lines, comments and
// option lines (-r, --index-url, ...) are skipped. Duplicate names keep
// their first occurrence.
func ParseRequirements(r io.Reader) ([]Requirement, error) {
	var reqs []Requirement
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		name := bareName(line)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		reqs = append(reqs, Requirement{Name: name, Spec: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}
	return reqs, nil
}

// comment matches a # at line start or after whitespace; a # inside a URL
// (pkg @ https://host/pkg.whl#sha256=...) is part of the requirement.
var comment = regexp.MustCompile(`(^|\s)#.*$`)

func stripComment(line string) string {
	return comment.ReplaceAllString(line, "")
}

// parseFreeze extracts normalized package names from `pip freeze` output.
func parseFreeze(out []byte) map[string]bool {
	names := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "-e ") {
			// editable installs: "-e git+https://...#egg=name"
			if i := strings.Index(line, "#egg="); i >= 0 {
				if name := bareName(line[i+len("#egg="):]); name != "" {
					names[name] = true
				}
			}
			continue
		}
		if name := bareName(line); name != "" {
			names[name] = true
		}
	}
	return names
}
