package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"noisewatch/internal/geofence"
	"noisewatch/internal/model"
)

// APIError is a non-2xx answer from the report API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets a server-side geofence rejection match ErrOutsideServiceArea.
func (e *APIError) Is(target error) bool {
	return target == ErrOutsideServiceArea && e.Code == "outside_service_area"
}

// HTTPClient talks to the report API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*HTTPClient)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateReport posts a report once. It is not retried since the server
// does not deduplicate submissions.
func (c *HTTPClient) CreateReport(ctx context.Context, req model.CreateReportRequest) (model.Report, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return model.Report{}, fmt.Errorf("encode report: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/reports", bytes.NewReader(payload))
	if err != nil {
		return model.Report{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := c.do(httpReq, http.StatusCreated)
	if err != nil {
		return model.Report{}, err
	}
	var resp struct {
		Success bool         `json:"success"`
		Data    model.Report `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Report{}, fmt.Errorf("decode report response: %w", err)
	}
	if !resp.Success {
		return model.Report{}, errors.New("server did not confirm the report")
	}
	return resp.Data, nil
}

// Boundary fetches the server's service area.
func (c *HTTPClient) Boundary(ctx context.Context) (geofence.Polygon, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/boundary", nil)
	if err != nil {
		return geofence.Polygon{}, err
	}
	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return geofence.Polygon{}, err
	}
	return geofence.LoadGeoJSON(body)
}

func (c *HTTPClient) do(req *http.Request, want int) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == want {
		return body, nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		apiErr.Message = msg
	}
	return nil, apiErr
}
