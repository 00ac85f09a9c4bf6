package model

import "sort"

// LabImageSpec describes how to build and run the target application of one lab.
type LabImageSpec struct {
	Slug         string
	Image        string
	BuildPath    string
	Flag         string
	InternalPort int
	MemoryBytes  int64
	CPUs         float64
}

// Catalog is an immutable lookup of lab specs by slug.
type Catalog struct {
	labs map[string]LabImageSpec
}

func NewCatalog(specs []LabImageSpec) *Catalog {
	labs := make(map[string]LabImageSpec, len(specs))
	for _, s := range specs {
		labs[s.Slug] = s
	}
	return &Catalog{labs: labs}
}

func (c *Catalog) Lookup(slug string) (LabImageSpec, bool) {
	if c == nil {
		return LabImageSpec{}, false
	}
	spec, ok := c.labs[slug]
	return spec, ok
}

// All returns the specs sorted by slug.
func (c *Catalog) All() []LabImageSpec {
	if c == nil {
		return nil
	}
	out := make([]LabImageSpec, 0, len(c.labs))
	for _, s := range c.labs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.labs)
}
