// Package profile holds register maps for Renogy device families, described in YAML.
package profile

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/robertof/go-renogy-exporter/device"
	"gopkg.in/yaml.v3"
)

var ErrUnknownProfile = errors.New("unknown profile")

//go:embed profiles/*.yaml
var builtin embed.FS

type Profile struct {
	Name string `yaml:"name"`
	// Advertised local name prefixes of BT modules usually attached to this family.
	AliasPrefixes []string          `yaml:"alias_prefixes"`
	Commands      map[string]uint16 `yaml:"commands"`
	Sections      []device.Section  `yaml:"sections"`
}

func (p *Profile) String() string {
	return fmt.Sprintf("Profile[Name=%s,Sections=%d]", p.Name, len(p.Sections))
}

// Command returns the register backing a named command, e.g. "load".
func (p *Profile) Command(name string) (uint16, bool) {
	reg, ok := p.Commands[name]
	return reg, ok
}

func Parse(b []byte) (*Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	if p.Name == "" {
		return nil, errors.New("profile has no name")
	}

	if len(p.Sections) == 0 {
		return nil, fmt.Errorf("profile %q: %w", p.Name, device.ErrNoSections)
	}

	for _, s := range p.Sections {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
	}

	return &p, nil
}

func Load(file string) (*Profile, error) {
	b, err := os.ReadFile(file)

	if err != nil {
		return nil, err
	}

	return Parse(b)
}

func Builtin(name string) (*Profile, error) {
	b, err := builtin.ReadFile(path.Join("profiles", name+".yaml"))

	if err != nil {
		return nil, fmt.Errorf("%w %q (must be one of %v)", ErrUnknownProfile, name, BuiltinNames())
	}

	return Parse(b)
}

func BuiltinNames() (names []string) {
	entries, _ := builtin.ReadDir("profiles")

	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}

	sort.Strings(names)
	return names
}
