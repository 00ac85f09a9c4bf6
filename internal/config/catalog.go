package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/galadd/labwarden/internal/model"
)

const (
	defaultInternalPort = 80
	defaultMemory       = "256m"
	defaultCPUs         = 0.5
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type catalogFile struct {
	Labs []labEntry `yaml:"labs"`
}

type labEntry struct {
	Slug         string  `yaml:"slug"`
	Image        string  `yaml:"image"`
	BuildPath    string  `yaml:"build_path"`
	Flag         string  `yaml:"flag"`
	InternalPort int     `yaml:"internal_port"`
	Memory       string  `yaml:"memory"`
	CPUs         float64 `yaml:"cpus"`
}

// LoadCatalog reads the lab catalog at path. Relative build paths are
// resolved against the catalog's directory.
func LoadCatalog(path string) (*model.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lab catalog: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data, filepath.Dir(abs))
}

// ParseCatalog decodes and validates a catalog. Every problem found is
// reported, not just the first.
func ParseCatalog(data []byte, baseDir string) (*model.Catalog, error) {
	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse lab catalog: %w", err)
	}
	if len(file.Labs) == 0 {
		return nil, fmt.Errorf("lab catalog defines no labs")
	}

	var (
		result *multierror.Error
		specs  []model.LabImageSpec
		seen   = make(map[string]bool)
	)
	for i, entry := range file.Labs {
		spec, err := entry.spec(baseDir)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("lab %d (%s): %w", i, entry.Slug, err))
			continue
		}
		if seen[spec.Slug] {
			result = multierror.Append(result, fmt.Errorf("lab %d: duplicate slug %q", i, spec.Slug))
			continue
		}
		seen[spec.Slug] = true
		specs = append(specs, spec)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return model.NewCatalog(specs), nil
}

func (e labEntry) spec(baseDir string) (model.LabImageSpec, error) {
	if !slugPattern.MatchString(e.Slug) {
		return model.LabImageSpec{}, fmt.Errorf("invalid slug %q", e.Slug)
	}
	if e.Image == "" {
		return model.LabImageSpec{}, fmt.Errorf("image is required")
	}
	if e.Flag == "" {
		return model.LabImageSpec{}, fmt.Errorf("flag is required")
	}
	if e.BuildPath == "" {
		return model.LabImageSpec{}, fmt.Errorf("build_path is required")
	}

	buildPath := e.BuildPath
	if !filepath.IsAbs(buildPath) {
		buildPath = filepath.Join(baseDir, buildPath)
	}
	if info, err := os.Stat(buildPath); err != nil || !info.IsDir() {
		return model.LabImageSpec{}, fmt.Errorf("build path %s is not a directory", buildPath)
	}

	port := e.InternalPort
	if port == 0 {
		port = defaultInternalPort
	}
	if port < 1 || port > 65535 {
		return model.LabImageSpec{}, fmt.Errorf("invalid internal_port %d", port)
	}

	memory := e.Memory
	if memory == "" {
		memory = defaultMemory
	}
	memoryBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return model.LabImageSpec{}, fmt.Errorf("invalid memory %q: %w", memory, err)
	}
	if memoryBytes < 6*units.MiB {
		return model.LabImageSpec{}, fmt.Errorf("memory %q is below the 6MiB engine minimum", memory)
	}

	cpus := e.CPUs
	if cpus == 0 {
		cpus = defaultCPUs
	}
	if cpus < 0.01 {
		return model.LabImageSpec{}, fmt.Errorf("invalid cpus %v", cpus)
	}

	return model.LabImageSpec{
		Slug:         e.Slug,
		Image:        e.Image,
		BuildPath:    buildPath,
		Flag:         e.Flag,
		InternalPort: port,
		MemoryBytes:  memoryBytes,
		CPUs:         cpus,
	}, nil
}
