package epic

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// defaultSection groups criteria that appear before any ### heading.
const defaultSection = "General"

var (
	epicHeadingPattern = regexp.MustCompile(`^#\s+Epic\s+([^:]+):\s*(.+)\s*$`)
	titleOnlyPattern   = regexp.MustCompile(`^#\s+(.+)\s*$`)
	numberedPattern    = regexp.MustCompile(`^\s*\d+\.\s+(.+)$`)
	checkboxPattern    = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+(.+)$`)
	checkboxLikeStart  = regexp.MustCompile(`^\s*[-*]\s+\[`)
)

// section identifiers, matched case-insensitively against ## headings.
const (
	sectionTechnical      = "technical requirements"
	sectionImplementation = "implementation notes"
	sectionAcceptance     = "acceptance criteria"
)

// ParseFile reads and parses an epic markdown file.
func ParseFile(path string) (*Epic, []Warning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read epic file: %w", err)
	}
	e, warnings := Parse(string(data))
	return e, warnings, nil
}

// Parse extracts the epic structure from markdown content. The parser is
// total: absent sections yield empty lists, duplicate sections concatenate in
// document order, and malformed checkbox lines are skipped with a warning.
func Parse(content string) (*Epic, []Warning) {
	e := &Epic{
		AcceptanceCriteria:    []Criterion{},
		ImplementationNotes:   []string{},
		TechnicalRequirements: map[string]string{},
	}
	var warnings []Warning

	var (
		section        string // normalized current ## section, "" before any
		subsection     string // current ### heading within the section
		sawTitle       bool
		descriptionBuf []string
		techBuf        []string
	)

	flushTech := func() {
		if section != sectionTechnical {
			return
		}
		key := subsection
		if key == "" {
			key = defaultSection
		}
		body := strings.TrimSpace(strings.Join(techBuf, "\n"))
		techBuf = nil
		if body == "" {
			return
		}
		if existing, ok := e.TechnicalRequirements[key]; ok && existing != "" {
			// Duplicate subsection: concatenate in document order.
			e.TechnicalRequirements[key] = existing + "\n" + body
		} else {
			e.TechnicalRequirements[key] = body
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "### "):
			flushTech()
			subsection = strings.TrimSpace(strings.TrimPrefix(line, "### "))
			continue

		case strings.HasPrefix(line, "## "):
			flushTech()
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			subsection = ""
			continue

		case strings.HasPrefix(line, "# ") && !sawTitle:
			sawTitle = true
			if m := epicHeadingPattern.FindStringSubmatch(line); m != nil {
				e.ID = strings.TrimSpace(m[1])
				e.Title = strings.TrimSpace(m[2])
			} else if m := titleOnlyPattern.FindStringSubmatch(line); m != nil {
				e.Title = strings.TrimSpace(m[1])
			}
			continue
		}

		switch section {
		case "":
			// Prose between the title and the first section is the description.
			if sawTitle {
				descriptionBuf = append(descriptionBuf, line)
			}

		case sectionTechnical:
			techBuf = append(techBuf, line)

		case sectionImplementation:
			if m := numberedPattern.FindStringSubmatch(line); m != nil {
				e.ImplementationNotes = append(e.ImplementationNotes, strings.TrimSpace(m[1]))
			} else if trimmed := strings.TrimSpace(line); trimmed != "" && len(e.ImplementationNotes) > 0 && isIndented(line) {
				// Indented continuation of the previous step.
				last := len(e.ImplementationNotes) - 1
				e.ImplementationNotes[last] += " " + trimmed
			}

		case sectionAcceptance:
			if m := checkboxPattern.FindStringSubmatch(line); m != nil {
				sec := subsection
				if sec == "" {
					sec = defaultSection
				}
				e.AcceptanceCriteria = append(e.AcceptanceCriteria, Criterion{
					Text:    strings.TrimSpace(m[2]),
					Section: sec,
					Met:     strings.EqualFold(m[1], "x"),
				})
			} else if checkboxLikeStart.MatchString(line) {
				warnings = append(warnings, Warning{
					Line:    lineNum,
					Message: fmt.Sprintf("malformed checkbox skipped: %s", strings.TrimSpace(line)),
				})
			}
		}
	}
	flushTech()

	e.Description = strings.TrimSpace(strings.Join(descriptionBuf, "\n"))

	return e, warnings
}

// isIndented reports whether a line begins with whitespace (a list
// continuation rather than new prose).
func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}
