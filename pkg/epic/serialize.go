package epic

import (
	"fmt"
	"sort"
	"strings"
)

// Serialize renders the extracted structure back to markdown. Parsing the
// output yields an equivalent epic (notes and criteria round-trip exactly;
// technical requirement subsections are emitted in sorted order).
func (e *Epic) Serialize() string {
	var b strings.Builder

	if e.ID != "" {
		fmt.Fprintf(&b, "# Epic %s: %s\n", e.ID, e.Title)
	} else if e.Title != "" {
		fmt.Fprintf(&b, "# %s\n", e.Title)
	}
	if e.Description != "" {
		b.WriteString("\n")
		b.WriteString(e.Description)
		b.WriteString("\n")
	}

	if len(e.TechnicalRequirements) > 0 {
		b.WriteString("\n## Technical Requirements\n")
		keys := make([]string, 0, len(e.TechnicalRequirements))
		for k := range e.TechnicalRequirements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n### %s\n\n%s\n", k, e.TechnicalRequirements[k])
		}
	}

	if len(e.ImplementationNotes) > 0 {
		b.WriteString("\n## Implementation Notes\n\n")
		for i, note := range e.ImplementationNotes {
			fmt.Fprintf(&b, "%d. %s\n", i+1, note)
		}
	}

	if len(e.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		// Criteria keep document order; section headings are emitted each time
		// the section changes so grouping survives a round-trip.
		current := ""
		for _, c := range e.AcceptanceCriteria {
			if c.Section != current {
				current = c.Section
				fmt.Fprintf(&b, "\n### %s\n\n", current)
			}
			mark := " "
			if c.Met {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
	}

	return b.String()
}
