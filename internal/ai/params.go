package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parameters is the typed view of a job's open parameter bag. Keys the engine
// understands are lifted into fields; everything else stays in Extra and is
// forwarded to the provider untouched.
type Parameters struct {
	AspectRatio     string
	Resolution      string
	NumOutputs      int
	DurationSeconds int
	Seed            *int64
	ReferenceImages []string
	Extra           map[string]any
}

// parameter key aliases, first one is canonical
var paramAliases = map[string][]string{
	"aspectRatio":     {"aspectRatio", "aspect_ratio"},
	"resolution":      {"resolution", "size"},
	"numOutputs":      {"numOutputs", "num_outputs", "n"},
	"durationSeconds": {"durationSeconds", "duration"},
	"seed":            {"seed"},
	"referenceImage":  {"referenceImage", "reference_image", "image"},
	"referenceImages": {"referenceImages", "reference_images", "images"},
}

// ParseParameters validates presence/type of known keys only; it says nothing
// about whether a provider accepts the value.
func ParseParameters(raw map[string]any) (Parameters, error) {
	p := Parameters{Extra: map[string]any{}}
	known := map[string]bool{}
	for _, aliases := range paramAliases {
		for _, a := range aliases {
			known[a] = true
		}
	}
	for k, v := range raw {
		if !known[k] {
			p.Extra[k] = v
		}
	}

	if v, key, ok := lookup(raw, "aspectRatio"); ok {
		s, isStr := v.(string)
		if !isStr {
			return Parameters{}, fmt.Errorf("parameters.%s must be a string", key)
		}
		p.AspectRatio = strings.TrimSpace(s)
	}
	if v, key, ok := lookup(raw, "resolution"); ok {
		s, isStr := v.(string)
		if !isStr {
			return Parameters{}, fmt.Errorf("parameters.%s must be a string", key)
		}
		p.Resolution = strings.TrimSpace(s)
	}
	if v, key, ok := lookup(raw, "numOutputs"); ok {
		n, err := toInt(v)
		if err != nil || n < 1 || n > 16 {
			return Parameters{}, fmt.Errorf("parameters.%s must be an integer between 1 and 16", key)
		}
		p.NumOutputs = n
	}
	if v, key, ok := lookup(raw, "durationSeconds"); ok {
		n, err := toInt(v)
		if err != nil || n < 1 {
			return Parameters{}, fmt.Errorf("parameters.%s must be a positive integer", key)
		}
		p.DurationSeconds = n
	}
	if v, key, ok := lookup(raw, "seed"); ok {
		n, err := toInt(v)
		if err != nil {
			return Parameters{}, fmt.Errorf("parameters.%s must be an integer", key)
		}
		s := int64(n)
		p.Seed = &s
	}
	if v, key, ok := lookup(raw, "referenceImage"); ok {
		s, isStr := v.(string)
		if !isStr {
			return Parameters{}, fmt.Errorf("parameters.%s must be a string", key)
		}
		if s = strings.TrimSpace(s); s != "" {
			p.ReferenceImages = append(p.ReferenceImages, s)
		}
	}
	if v, key, ok := lookup(raw, "referenceImages"); ok {
		list, isList := v.([]any)
		if !isList {
			return Parameters{}, fmt.Errorf("parameters.%s must be a list of strings", key)
		}
		for _, item := range list {
			s, isStr := item.(string)
			if !isStr {
				return Parameters{}, fmt.Errorf("parameters.%s must be a list of strings", key)
			}
			if s = strings.TrimSpace(s); s != "" {
				p.ReferenceImages = append(p.ReferenceImages, s)
			}
		}
	}
	return p, nil
}

// MergeDefaults returns a copy of raw with catalog defaults filled in for
// keys the caller did not set under any alias.
func MergeDefaults(raw map[string]any, defaults map[string]any) map[string]any {
	out := make(map[string]any, len(raw)+len(defaults))
	for k, v := range raw {
		out[k] = v
	}
	for k, v := range defaults {
		if _, _, ok := lookup(out, canonicalKey(k)); ok {
			continue
		}
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

func (p Parameters) HasReferenceImage() bool { return len(p.ReferenceImages) > 0 }

func (p Parameters) Outputs() int {
	if p.NumOutputs <= 0 {
		return 1
	}
	return p.NumOutputs
}

func canonicalKey(k string) string {
	for canon, aliases := range paramAliases {
		for _, a := range aliases {
			if a == k {
				return canon
			}
		}
	}
	return k
}

func lookup(raw map[string]any, canonical string) (any, string, bool) {
	aliases, ok := paramAliases[canonical]
	if !ok {
		v, found := raw[canonical]
		return v, canonical, found && v != nil
	}
	for _, a := range aliases {
		if v, found := raw[a]; found && v != nil {
			return v, a, true
		}
	}
	return nil, "", false
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}
