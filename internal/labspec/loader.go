package labspec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is an in-memory, read-only set of lab definitions keyed by id.
type Catalog struct {
	labs map[string]Lab
}

// LoadDir reads every *.yaml / *.yml file under dir as one lab definition.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read lab directory %q: %w", dir, err)
	}

	catalog := &Catalog{labs: make(map[string]Lab)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		lab, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := catalog.labs[lab.ID]; dup {
			return nil, fmt.Errorf("duplicate lab id %q in %s", lab.ID, path)
		}
		catalog.labs[lab.ID] = lab
	}
	return catalog, nil
}

// NewCatalog builds a catalog from already-parsed labs. Intended for tests
// and embedded deployments.
func NewCatalog(labs ...Lab) (*Catalog, error) {
	catalog := &Catalog{labs: make(map[string]Lab, len(labs))}
	for i := range labs {
		lab := labs[i]
		if err := lab.Validate(); err != nil {
			return nil, err
		}
		if _, dup := catalog.labs[lab.ID]; dup {
			return nil, fmt.Errorf("duplicate lab id %q", lab.ID)
		}
		catalog.labs[lab.ID] = lab
	}
	return catalog, nil
}

func loadFile(path string) (Lab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Lab{}, fmt.Errorf("read %s: %w", path, err)
	}
	lab := Lab{}
	if err := yaml.Unmarshal(b, &lab); err != nil {
		return Lab{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := lab.Validate(); err != nil {
		return Lab{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return lab, nil
}

// Lab returns the lab with the given id.
func (c *Catalog) Lab(id string) (Lab, bool) {
	lab, ok := c.labs[id]
	return lab, ok
}

// List returns all labs sorted by id.
func (c *Catalog) List() []Lab {
	items := make([]Lab, 0, len(c.labs))
	for _, lab := range c.labs {
		items = append(items, lab)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
