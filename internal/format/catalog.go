package format

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

// DefaultCatalogYAML is used when no formats file exists.
const DefaultCatalogYAML = `
formats:
  - name: thumb
    width: 100
    height: 100
    mode: outbound
    extension: jpg
    adapters:
      - type: background
  - name: preview
    width: 800
    mode: inset_keep_ratio
    adapters:
      - type: background
  - name: original
    original: true
`

type catalogFile struct {
	Formats []formatEntry `yaml:"formats"`
}

type formatEntry struct {
	Name      string         `yaml:"name"`
	Width     int            `yaml:"width"`
	Height    int            `yaml:"height"`
	Mode      string         `yaml:"mode"`
	KeepRatio *bool          `yaml:"keep_ratio"`
	Extension string         `yaml:"extension"`
	Original  bool           `yaml:"original"`
	Adapters  []adapterEntry `yaml:"adapters"`
}

type adapterEntry struct {
	Type string `yaml:"type"`
	// background
	Color string `yaml:"color"`
	// watermark
	Path     string   `yaml:"path"`
	Opacity  *int     `yaml:"opacity"`
	Scale    *float64 `yaml:"scale"`
	Position string   `yaml:"position"`
}

// Catalog holds the validated format specs in declaration order.
type Catalog struct {
	specs map[string]*Spec
	names []string
}

// NewCatalog validates specs and indexes them by name.
func NewCatalog(specs ...*Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]*Spec, len(specs))}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.specs[s.Name]; dup {
			return nil, fmt.Errorf("format %s defined twice: %w", s.Name, domain.ErrInvalidConfig)
		}
		c.specs[s.Name] = s
		c.names = append(c.names, s.Name)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog from path, falling back to
// DefaultCatalogYAML when the file does not exist. Relative watermark paths
// are resolved against the file's directory.
func LoadCatalog(path string, codec Codec) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ParseCatalog([]byte(DefaultCatalogYAML), codec, ".")
	}
	if err != nil {
		return nil, fmt.Errorf("read formats file: %w", err)
	}
	return ParseCatalog(data, codec, filepath.Dir(path))
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte, codec Codec, baseDir string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse formats: %v: %w", err, domain.ErrInvalidConfig)
	}

	specs := make([]*Spec, 0, len(file.Formats))
	for _, entry := range file.Formats {
		spec, err := entry.build(codec, baseDir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return NewCatalog(specs...)
}

// Get returns the spec named name.
func (c *Catalog) Get(name string) (*Spec, error) {
	s, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("format %q: %w", name, domain.ErrUnknownFormat)
	}
	return s, nil
}

// Names lists format names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

func (e formatEntry) build(codec Codec, baseDir string) (*Spec, error) {
	mode, err := ParseMode(e.Mode)
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", e.Name, err)
	}

	spec := &Spec{
		Name:      e.Name,
		Width:     e.Width,
		Height:    e.Height,
		Mode:      mode,
		KeepRatio: e.KeepRatio == nil || *e.KeepRatio,
		Extension: e.Extension,
		Original:  e.Original,
	}

	for _, a := range e.Adapters {
		adapter, err := a.build(codec, baseDir)
		if err != nil {
			return nil, fmt.Errorf("format %s: %w", e.Name, err)
		}
		spec.Adapters = append(spec.Adapters, adapter)
	}

	return spec, nil
}

func (a adapterEntry) build(codec Codec, baseDir string) (Adapter, error) {
	switch strings.ToLower(a.Type) {
	case "background":
		return NewBackgroundNormalizer(codec, a.Color)
	case "watermark":
		cfg := DefaultWatermarkConfig()
		if a.Path != "" {
			p := a.Path
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			cfg.MarkPath = LiteralPath(p)
		}
		if a.Opacity != nil {
			cfg.Opacity = *a.Opacity
		}
		if a.Scale != nil {
			cfg.Scale = *a.Scale
		}
		if a.Position != "" {
			cfg.Position = Position(strings.ToLower(a.Position))
		}
		return NewWatermark(codec, cfg)
	default:
		return nil, fmt.Errorf("adapter type %q not defined: %w", a.Type, domain.ErrInvalidConfig)
	}
}
