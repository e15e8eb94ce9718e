package ai

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SeedreamAdapter talks to the BytePlus ModelArk image generation endpoint.
// The endpoint is synchronous: one call returns the finished images.
type SeedreamAdapter struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
	Submit  submitPolicy
}

type seedreamResp struct {
	Data []struct {
		URL   string `json:"url"`
		Size  string `json:"size"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// pixel sizes per aspect ratio at ~4MP
var seedreamSizes = map[string]string{
	"1:1":  "2048x2048",
	"4:3":  "2304x1728",
	"3:4":  "1728x2304",
	"16:9": "2560x1440",
	"9:16": "1440x2560",
	"3:2":  "2496x1664",
	"2:3":  "1664x2496",
	"21:9": "3024x1296",
}

func NewSeedreamAdapter(baseURL, apiKey string, caps Capabilities) (*SeedreamAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingCredentials
	}
	if baseURL == "" {
		baseURL = "https://ark.ap-southeast.bytepluses.com"
	}
	return &SeedreamAdapter{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   caps.ProviderModel,
		Client:  &http.Client{Timeout: 3 * time.Minute},
		Submit:  submitPolicy{Attempts: 3, Wait: 2 * time.Second},
	}, nil
}

func (a *SeedreamAdapter) Generate(ctx context.Context, req GenerationRequest) GenerationResponse {
	start := time.Now()
	m := &Metrics{}

	body := map[string]any{}
	for k, v := range req.Params.Extra {
		body[k] = v
	}
	body["model"] = a.Model
	body["prompt"] = req.Prompt
	body["size"] = seedreamSize(req.Params)
	body["response_format"] = "url"
	body["watermark"] = false
	if req.Params.Seed != nil {
		body["seed"] = *req.Params.Seed
	}
	switch len(req.Params.ReferenceImages) {
	case 0:
	case 1:
		body["image"] = req.Params.ReferenceImages[0]
	default:
		body["image"] = req.Params.ReferenceImages
	}
	if n := req.Params.Outputs(); n > 1 {
		body["sequential_image_generation"] = "auto"
		body["sequential_image_generation_options"] = map[string]int{"max_images": n}
	} else {
		body["sequential_image_generation"] = "disabled"
	}

	url := joinURL(a.BaseURL, "api/v3/images/generations")
	headers := map[string]string{"Authorization": "Bearer " + a.APIKey}

	decoded, attempts, err := submitWithRetry(ctx, a.Submit, func(int) (seedreamResp, error) {
		var out seedreamResp
		err := doJSON(ctx, a.Client, "seedream", http.MethodPost, url, headers, body, &out)
		return out, err
	}, safeToResubmit)
	m.Submissions = attempts
	m.Elapsed = time.Since(start)
	if err != nil {
		return Failed(err, m)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Failed(&StatusError{Provider: "seedream", Code: decoded.Error.Code, Message: decoded.Error.Message}, m)
	}

	outputs := make([]Output, 0, len(decoded.Data))
	var itemErr error
	for _, d := range decoded.Data {
		if d.Error != nil {
			itemErr = &StatusError{Provider: "seedream", Code: d.Error.Code, Message: d.Error.Message}
			continue
		}
		if strings.TrimSpace(d.URL) == "" {
			continue
		}
		w, h := parseSize(d.Size)
		outputs = append(outputs, Output{URL: d.URL, Width: w, Height: h})
	}
	if len(outputs) == 0 {
		if itemErr != nil {
			return Failed(itemErr, m)
		}
		return Failed(ErrNoOutput, m)
	}
	return Completed(outputs, m)
}

func seedreamSize(p Parameters) string {
	// explicit WxH or "2K"/"4K" wins over the aspect ratio table
	if r := strings.TrimSpace(p.Resolution); r != "" {
		return r
	}
	if s, ok := seedreamSizes[p.AspectRatio]; ok {
		return s
	}
	return seedreamSizes["1:1"]
}

func parseSize(s string) (int, int) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(s)), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

var _ Adapter = (*SeedreamAdapter)(nil)
