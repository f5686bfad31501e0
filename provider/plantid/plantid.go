// Package plantid is the Plant.id v3 identification adapter.
package plantid

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/AnandSundar/go-plantid/model"
	"github.com/AnandSundar/go-plantid/provider"
)

const (
	// Name is the provider name used for quota, breaker and result tagging
	Name = "plant_id"

	DefaultBaseURL = "https://plant.id"
	identifyPath   = "/api/v3/identification"
	detailsParam   = "common_names,url,taxonomy"
)

// Config holds Plant.id client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// API calls the Plant.id identification endpoint
type API struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a Plant.id adapter
func New(cfg Config) *API {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  cfg.HTTPClient,
	}
}

// Name implements provider.API
func (a *API) Name() string {
	return Name
}

type identifyRequest struct {
	Images        []string `json:"images"`
	SimilarImages bool     `json:"similar_images"`
}

type identifyResponse struct {
	AccessToken string `json:"access_token"`
	Result      struct {
		IsPlant struct {
			Probability float64 `json:"probability"`
			Binary      bool    `json:"binary"`
		} `json:"is_plant"`
		Classification struct {
			Suggestions []suggestion `json:"suggestions"`
		} `json:"classification"`
	} `json:"result"`
}

type suggestion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
	Details     struct {
		CommonNames []string `json:"common_names"`
		URL         string   `json:"url"`
		Taxonomy    struct {
			Family string `json:"family"`
			Genus  string `json:"genus"`
		} `json:"taxonomy"`
	} `json:"details"`
}

// Identify implements provider.API. It sends exactly one request.
func (a *API) Identify(ctx context.Context, req model.Request) ([]model.Suggestion, error) {
	body, err := json.Marshal(identifyRequest{
		Images:        []string{dataURI(req.Image)},
		SimilarImages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	query := url.Values{}
	query.Set("details", detailsParam)
	if req.Language != "" {
		query.Set("language", req.Language)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+identifyPath+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Api-Key", a.apiKey)

	var resp identifyResponse
	if err := provider.DoJSON(a.client, Name, httpReq, &resp); err != nil {
		return nil, err
	}

	suggestions := make([]model.Suggestion, 0, len(resp.Result.Classification.Suggestions))
	for _, s := range resp.Result.Classification.Suggestions {
		suggestions = append(suggestions, convert(s, resp.Result.IsPlant.Probability))
	}
	return suggestions, nil
}

func convert(s suggestion, isPlant float64) model.Suggestion {
	name := s.Name
	if len(s.Details.CommonNames) > 0 {
		name = s.Details.CommonNames[0]
	}

	meta := map[string]string{
		"is_plant_probability": strconv.FormatFloat(isPlant, 'f', 4, 64),
	}
	if s.ID != "" {
		meta["plant_id_id"] = s.ID
	}
	if s.Details.URL != "" {
		meta["url"] = s.Details.URL
	}
	if s.Details.Taxonomy.Family != "" {
		meta["family"] = s.Details.Taxonomy.Family
	}
	if s.Details.Taxonomy.Genus != "" {
		meta["genus"] = s.Details.Taxonomy.Genus
	}

	return model.Suggestion{
		Name:           name,
		ScientificName: s.Name,
		Confidence:     s.Probability,
		Metadata:       meta,
		Sources:        []string{Name},
	}
}

func dataURI(img model.Image) string {
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
