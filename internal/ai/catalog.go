package ai

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Models []catalogEntry `yaml:"models"`
}

type catalogEntry struct {
	ID            string          `yaml:"id"`
	Provider      string          `yaml:"provider"`
	ProviderModel string          `yaml:"provider_model"`
	MediaType     string          `yaml:"media_type"`
	AspectRatios  []string        `yaml:"aspect_ratios"`
	Capabilities  map[string]bool `yaml:"capabilities"`
	Defaults      map[string]any  `yaml:"defaults"`
}

// LoadCatalog reads model descriptors from path, or from the embedded
// catalog when path is empty.
func LoadCatalog(path string) ([]Capabilities, error) {
	raw := defaultCatalog
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) ([]Capabilities, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	seen := map[string]bool{}
	out := make([]Capabilities, 0, len(f.Models))
	for i, m := range f.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("model catalog entry %d: id is required", i)
		}
		if seen[normalizeModelID(id)] {
			return nil, fmt.Errorf("model catalog: duplicate id %q", id)
		}
		seen[normalizeModelID(id)] = true

		mt := MediaType(strings.ToLower(strings.TrimSpace(m.MediaType)))
		if mt != MediaImage && mt != MediaVideo {
			return nil, fmt.Errorf("model catalog %q: media_type must be image or video", id)
		}
		if strings.TrimSpace(m.Provider) == "" {
			return nil, fmt.Errorf("model catalog %q: provider is required", id)
		}
		providerModel := strings.TrimSpace(m.ProviderModel)
		if providerModel == "" {
			providerModel = id
		}
		caps := m.Capabilities
		if caps == nil {
			caps = map[string]bool{}
		}
		out = append(out, Capabilities{
			ModelID:               id,
			ProviderName:          strings.ToLower(strings.TrimSpace(m.Provider)),
			ProviderModel:         providerModel,
			MediaType:             mt,
			SupportedAspectRatios: m.AspectRatios,
			Capabilities:          caps,
			Defaults:              m.Defaults,
		})
	}
	return out, nil
}
