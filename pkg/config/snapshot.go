package config

import (
	"fmt"
	"sort"

	"github.com/gpt153/supervisor/pkg/models"
)

// ProjectSnapshot is an immutable view of the configured projects, including
// the implicit meta project. A reload builds a whole new snapshot; requests
// in flight keep the snapshot they resolved at dispatch time.
type ProjectSnapshot struct {
	byName  map[string]models.Project
	ordered []models.Project
}

// newProjectSnapshot builds a snapshot from effective project entries.
// The meta project is appended implicitly and is always enabled.
func newProjectSnapshot(projects []models.Project) *ProjectSnapshot {
	byName := make(map[string]models.Project, len(projects)+1)
	ordered := make([]models.Project, 0, len(projects)+1)

	for _, p := range projects {
		byName[p.Name] = p
		ordered = append(ordered, p)
	}

	meta := models.Project{
		Name:        models.MetaProject,
		DisplayName: "Meta",
		Description: "Cross-project supervisor endpoint",
		Enabled:     true,
	}
	byName[meta.Name] = meta
	ordered = append(ordered, meta)

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	return &ProjectSnapshot{byName: byName, ordered: ordered}
}

// Get returns the project with the given name.
func (s *ProjectSnapshot) Get(name string) (models.Project, error) {
	p, ok := s.byName[name]
	if !ok {
		return models.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p, nil
}

// All returns all projects sorted by name. The returned slice is a copy.
func (s *ProjectSnapshot) All() []models.Project {
	return append([]models.Project(nil), s.ordered...)
}

// Enabled returns the enabled projects sorted by name, meta included.
func (s *ProjectSnapshot) Enabled() []models.Project {
	out := make([]models.Project, 0, len(s.ordered))
	for _, p := range s.ordered {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
