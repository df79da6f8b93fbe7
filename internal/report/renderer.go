package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meditriage/triage-platform/internal/patients"
	"github.com/meditriage/triage-platform/pkg/logging"
)

const defaultRenderTimeout = 30 * time.Second

// DocumentRenderer turns a stored report into a shareable document and
// returns its URL.
type DocumentRenderer interface {
	Render(ctx context.Context, rec *patients.Report) (string, error)
}

// HTTPRenderer calls an external render service.
type HTTPRenderer struct {
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewHTTPRenderer(endpoint string, logger *logging.Logger) *HTTPRenderer {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPRenderer{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultRenderTimeout,
		},
		logger: logger,
	}
}

type renderRequest struct {
	ReportID       int64    `json:"report_id"`
	SessionID      string   `json:"session_id"`
	HealthStatus   string   `json:"health_status"`
	Summary        string   `json:"summary"`
	Symptoms       []string `json:"symptoms,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

type renderResponse struct {
	URL string `json:"url"`
}

// Render posts the report to the render service and returns the document URL.
func (r *HTTPRenderer) Render(ctx context.Context, rec *patients.Report) (string, error) {
	body, err := json.Marshal(renderRequest{
		ReportID:       rec.ID,
		SessionID:      rec.SessionID,
		HealthStatus:   rec.HealthStatus,
		Summary:        rec.Summary,
		Symptoms:       rec.Symptoms,
		Recommendation: rec.Recommendation,
	})
	if err != nil {
		return "", fmt.Errorf("report: marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("report: build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("report: render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("report: render service returned %d: %s", resp.StatusCode, raw)
	}

	var parsed renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("report: decode render response: %w", err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("report: render service returned no url")
	}
	return parsed.URL, nil
}
