// Package plantnet is the Pl@ntNet v2 identification adapter.
package plantnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/model"
	"github.com/AnandSundar/go-plantid/provider"
)

const (
	// Name is the provider name used for quota, breaker and result tagging
	Name = "plantnet"

	DefaultBaseURL = "https://my-api.plantnet.org"
	DefaultProject = "all"

	// defaultOrgan is sent when the request carries no organ hint
	defaultOrgan = "auto"
)

// Config holds Pl@ntNet client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	Project    string
	HTTPClient *http.Client
}

// API calls the Pl@ntNet identify endpoint
type API struct {
	baseURL string
	apiKey  string
	project string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a Pl@ntNet adapter
func New(cfg Config) *API {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Project == "" {
		cfg.Project = DefaultProject
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		project: cfg.Project,
		client:  cfg.HTTPClient,
		log:     logging.WithComponent("plantnet"),
	}
}

// Name implements provider.API
func (a *API) Name() string {
	return Name
}

type identifyResponse struct {
	BestMatch string `json:"bestMatch"`
	Results   []struct {
		Score   float64 `json:"score"`
		Species struct {
			ScientificNameWithoutAuthor string   `json:"scientificNameWithoutAuthor"`
			ScientificName              string   `json:"scientificName"`
			CommonNames                 []string `json:"commonNames"`
			Genus                       struct {
				ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
			} `json:"genus"`
			Family struct {
				ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
			} `json:"family"`
		} `json:"species"`
		GBIF *struct {
			ID string `json:"id"`
		} `json:"gbif"`
	} `json:"results"`
	RemainingIdentificationRequests *int `json:"remainingIdentificationRequests"`
}

// Identify implements provider.API. It sends exactly one request.
func (a *API) Identify(ctx context.Context, req model.Request) ([]model.Suggestion, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	query := url.Values{}
	query.Set("api-key", a.apiKey)
	if req.Language != "" {
		query.Set("lang", req.Language)
	}
	endpoint := fmt.Sprintf("%s/v2/identify/%s?%s", a.baseURL, url.PathEscape(a.project), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	var resp identifyResponse
	if err := provider.DoJSON(a.client, Name, httpReq, &resp); err != nil {
		// 404 means no species matched the image
		var perr *model.ProviderError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
			return []model.Suggestion{}, nil
		}
		return nil, err
	}

	if resp.RemainingIdentificationRequests != nil {
		logging.Ctx(ctx, a.log).Debug().
			Int("remaining", *resp.RemainingIdentificationRequests).
			Msg("provider reported remaining identification requests")
	}

	suggestions := make([]model.Suggestion, 0, len(resp.Results))
	for _, r := range resp.Results {
		sp := r.Species
		name := sp.ScientificNameWithoutAuthor
		if len(sp.CommonNames) > 0 {
			name = sp.CommonNames[0]
		}

		meta := map[string]string{}
		if sp.ScientificName != "" {
			meta["scientific_name_authorship"] = sp.ScientificName
		}
		if sp.Family.ScientificNameWithoutAuthor != "" {
			meta["family"] = sp.Family.ScientificNameWithoutAuthor
		}
		if sp.Genus.ScientificNameWithoutAuthor != "" {
			meta["genus"] = sp.Genus.ScientificNameWithoutAuthor
		}
		if r.GBIF != nil && r.GBIF.ID != "" {
			meta["gbif_id"] = r.GBIF.ID
		}

		suggestions = append(suggestions, model.Suggestion{
			Name:           name,
			ScientificName: sp.ScientificNameWithoutAuthor,
			Confidence:     r.Score,
			Metadata:       meta,
			Sources:        []string{Name},
		})
	}
	return suggestions, nil
}

// encodeForm builds the multipart body with one image part and one organ
// part per image
func encodeForm(req model.Request) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := req.Image.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(req.Image.Data)
	}
	filename := req.Image.Filename
	if filename == "" {
		filename = "image"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%s`, strconv.Quote(filename)))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Image.Data); err != nil {
		return nil, "", err
	}

	organ := defaultOrgan
	if len(req.Organs) > 0 && req.Organs[0] != "" {
		organ = req.Organs[0]
	}
	if err := w.WriteField("organs", organ); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
