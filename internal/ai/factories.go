package ai

import "time"

// ProviderSettings carries the credentials and tuning knobs every provider
// factory may need.
type ProviderSettings struct {
	ArkAPIKey  string
	ArkBaseURL string

	KlingAccessKey    string
	KlingSecretKey    string
	KlingBaseURL      string
	KlingPollInterval time.Duration
	KlingMaxPolls     int

	ReplicateAPIToken     string
	ReplicateBaseURL      string
	ReplicatePollInterval time.Duration
	ReplicateMaxPolls     int

	MockOutputBaseURL string
	MockLatency       time.Duration
}

// DefaultFactories maps provider names used in the catalog to adapter
// constructors.
func DefaultFactories(s ProviderSettings) map[string]Factory {
	return map[string]Factory{
		"seedream": func(caps Capabilities) (Adapter, error) {
			return NewSeedreamAdapter(s.ArkBaseURL, s.ArkAPIKey, caps)
		},
		"kling": func(caps Capabilities) (Adapter, error) {
			return NewKlingAdapter(KlingOptions{
				BaseURL:      s.KlingBaseURL,
				AccessKey:    s.KlingAccessKey,
				SecretKey:    s.KlingSecretKey,
				PollInterval: s.KlingPollInterval,
				MaxPolls:     s.KlingMaxPolls,
			}, caps)
		},
		"replicate": func(caps Capabilities) (Adapter, error) {
			return NewReplicateAdapter(ReplicateOptions{
				BaseURL:      s.ReplicateBaseURL,
				Token:        s.ReplicateAPIToken,
				PollInterval: s.ReplicatePollInterval,
				MaxPolls:     s.ReplicateMaxPolls,
			}, caps)
		},
		"mock": func(caps Capabilities) (Adapter, error) {
			return NewMockAdapter(s.MockOutputBaseURL, s.MockLatency, caps), nil
		},
	}
}
