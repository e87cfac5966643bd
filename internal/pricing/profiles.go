// Package pricing computes canonical prices from static tiered size/quantity
// tables. Nothing in this package performs I/O after the catalog is loaded,
// so a *Catalog is safe for concurrent use without coordination.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var embeddedProfiles []byte

// Profile is the pricing table of one product family.
type Profile struct {
	Name        string
	Description string
	// Breakpoints are the quantity thresholds, strictly ascending.
	Breakpoints []int
	MinSize     int
	MaxSize     int
	// Prices maps a resolved size to one unit price per breakpoint.
	Prices map[int][]decimal.Decimal
}

// Catalog is the immutable set of profiles loaded at startup.
type Catalog struct {
	profiles map[string]*Profile
	names    []string
	fallback *Profile
}

type fileProfile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	MinSize     int               `yaml:"minSize"`
	MaxSize     int               `yaml:"maxSize"`
	Breakpoints []int             `yaml:"breakpoints"`
	Prices      map[int][]float64 `yaml:"prices"`
}

type fileCatalog struct {
	Default  string        `yaml:"default"`
	Profiles []fileProfile `yaml:"profiles"`
}

// LoadDefault parses the table compiled into the binary.
func LoadDefault() (*Catalog, error) {
	return Parse(embeddedProfiles)
}

// LoadFile parses a table from disk. An empty path means the embedded table.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return LoadDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML pricing table.
func Parse(data []byte) (*Catalog, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("pricing: decode profiles: %w", err)
	}
	if len(fc.Profiles) == 0 {
		return nil, fmt.Errorf("pricing: no profiles defined")
	}

	c := &Catalog{profiles: make(map[string]*Profile, len(fc.Profiles))}
	for _, fp := range fc.Profiles {
		p, err := fp.toProfile()
		if err != nil {
			return nil, err
		}
		key := normalize(p.Name)
		if _, dup := c.profiles[key]; dup {
			return nil, fmt.Errorf("pricing: duplicate profile %q", p.Name)
		}
		c.profiles[key] = p
		c.names = append(c.names, p.Name)
	}

	fallback, ok := c.profiles[normalize(fc.Default)]
	if !ok {
		return nil, fmt.Errorf("pricing: default profile %q is not defined", fc.Default)
	}
	c.fallback = fallback
	return c, nil
}

func (fp fileProfile) toProfile() (*Profile, error) {
	if strings.TrimSpace(fp.Name) == "" {
		return nil, fmt.Errorf("pricing: profile without a name")
	}
	if len(fp.Breakpoints) == 0 {
		return nil, fmt.Errorf("pricing: %s: no quantity breakpoints", fp.Name)
	}
	for i, bp := range fp.Breakpoints {
		if bp < 1 {
			return nil, fmt.Errorf("pricing: %s: breakpoint %d must be positive", fp.Name, bp)
		}
		if i > 0 && bp <= fp.Breakpoints[i-1] {
			return nil, fmt.Errorf("pricing: %s: breakpoints must be strictly ascending", fp.Name)
		}
	}
	if fp.MinSize < 1 || fp.MaxSize < fp.MinSize {
		return nil, fmt.Errorf("pricing: %s: invalid size range [%d, %d]", fp.Name, fp.MinSize, fp.MaxSize)
	}

	p := &Profile{
		Name:        fp.Name,
		Description: fp.Description,
		Breakpoints: fp.Breakpoints,
		MinSize:     fp.MinSize,
		MaxSize:     fp.MaxSize,
		Prices:      make(map[int][]decimal.Decimal, fp.MaxSize-fp.MinSize+1),
	}
	for size := fp.MinSize; size <= fp.MaxSize; size++ {
		raw, ok := fp.Prices[size]
		if !ok {
			return nil, fmt.Errorf("pricing: %s: missing prices for size %d", fp.Name, size)
		}
		if len(raw) != len(fp.Breakpoints) {
			return nil, fmt.Errorf("pricing: %s: size %d has %d prices, want %d", fp.Name, size, len(raw), len(fp.Breakpoints))
		}
		row := make([]decimal.Decimal, len(raw))
		for i, v := range raw {
			row[i] = decimal.NewFromFloat(v).Round(2)
			if !row[i].IsPositive() {
				return nil, fmt.Errorf("pricing: %s: size %d tier %d price must be positive", fp.Name, size, i)
			}
			if i > 0 && row[i].GreaterThan(row[i-1]) {
				return nil, fmt.Errorf("pricing: %s: size %d price increases at tier %d", fp.Name, size, i)
			}
		}
		p.Prices[size] = row
	}
	return p, nil
}

// Profiles returns the profiles in table order.
func (c *Catalog) Profiles() []*Profile {
	out := make([]*Profile, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.profiles[normalize(n)])
	}
	return out
}

// Default is the profile used for unknown product names.
func (c *Catalog) Default() *Profile {
	return c.fallback
}

// Lookup resolves a product name. The second result is false when the name
// is unknown and the default profile was substituted.
func (c *Catalog) Lookup(productName string) (*Profile, bool) {
	if p, ok := c.profiles[normalize(productName)]; ok {
		return p, true
	}
	return c.fallback, false
}

// Sizes lists the resolvable sizes of a profile in ascending order.
func (p *Profile) Sizes() []int {
	sizes := make([]int, 0, len(p.Prices))
	for s := range p.Prices {
		sizes = append(sizes, s)
	}
	sort.Ints(sizes)
	return sizes
}

func normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
