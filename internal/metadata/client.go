// Package metadata resolves patient and stream identifiers into stream
// descriptors via the external stream metadata service.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medviz/biostream/internal/config"
	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// Resolver is the metadata lookup contract consumed by the stream controller.
type Resolver interface {
	Resolve(ctx context.Context, patientID string, streamIDs ...string) ([]models.BiometricStream, error)
}

// Client is the HTTP client for the stream metadata service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logrus.Logger
}

// StreamsResponse is the metadata service response envelope.
type StreamsResponse struct {
	Streams []models.BiometricStream `json:"streams"`
}

// ErrorResponse is the metadata service error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports metadata service liveness.
type HealthResponse struct {
	Status string `json:"status"`
}

var _ Resolver = (*Client)(nil)

// NewClient creates a metadata service client.
func NewClient(cfg *config.MetadataConfig, logger *logrus.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.ServiceURL, "/"),
		logger:     logger,
	}
}

// Resolve fetches stream descriptors for a patient. With no streamIDs it
// returns every stream known for the patient; with ids it returns only the
// matching descriptors, silently omitting unknown ids. A service failure
// returns an error and the caller must not open any connections.
func (c *Client) Resolve(ctx context.Context, patientID string, streamIDs ...string) ([]models.BiometricStream, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient id is required")
	}

	path := fmt.Sprintf("/api/patients/%s/streams", url.PathEscape(patientID))
	if len(streamIDs) > 0 {
		path += "?ids=" + url.QueryEscape(strings.Join(streamIDs, ","))
	}

	var response StreamsResponse
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to resolve streams for patient %s: %w", patientID, err)
	}

	// Drop descriptors with unusable types so downstream components never
	// see a stream they cannot evaluate.
	resolved := make([]models.BiometricStream, 0, len(response.Streams))
	for _, stream := range response.Streams {
		if !stream.Type.Valid() {
			c.logger.WithFields(logrus.Fields{
				"stream_id": stream.ID,
				"type":      stream.Type,
			}).Warn("Skipping stream descriptor with unknown type")
			continue
		}
		resolved = append(resolved, stream)
	}

	c.logger.WithFields(logrus.Fields{
		"patient_id": patientID,
		"requested":  len(streamIDs),
		"resolved":   len(resolved),
	}).Debug("Resolved stream metadata")

	return resolved, nil
}

// HealthCheck checks if the metadata service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	var response HealthResponse
	return c.makeRequest(ctx, http.MethodGet, "/health", nil, &response)
}

func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	requestURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp ErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != "" {
			return fmt.Errorf("metadata service error (%d): %s", resp.StatusCode, errorResp.Error)
		}
		return fmt.Errorf("metadata service error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
