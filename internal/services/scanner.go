package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const maxTargetLength = 2048

var (
	ErrScannerUnavailable = errors.New("scanner unavailable")
	ErrInvalidScan        = errors.New("invalid scan request")
)

// ScanRequest is the body of POST /api/v1/scan.
type ScanRequest struct {
	Target   string `json:"target"`
	ScanType string `json:"scanType,omitempty"`
	ScanID   string `json:"scanId,omitempty"`
}

// Validate checks the caller-supplied fields.
func (r *ScanRequest) Validate() error {
	r.Target = strings.TrimSpace(r.Target)
	switch {
	case r.Target == "":
		return fmt.Errorf("%w: target is required", ErrInvalidScan)
	case len(r.Target) > maxTargetLength:
		return fmt.Errorf("%w: target exceeds %d characters", ErrInvalidScan, maxTargetLength)
	}

	switch r.ScanType {
	case "":
		r.ScanType = "quick"
	case "quick", "full":
	default:
		return fmt.Errorf("%w: scanType must be \"quick\" or \"full\"", ErrInvalidScan)
	}
	return nil
}

// Scanner performs scans and serves threat reports.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (json.RawMessage, error)
	Threats(ctx context.Context) (json.RawMessage, error)
}

// UpstreamScanner forwards to the scanning service over HTTP.
type UpstreamScanner struct {
	httpClient *http.Client
	baseURL    string
}

func NewUpstreamScanner(baseURL string, timeout time.Duration) (*UpstreamScanner, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid scanner url %q", baseURL)
	}
	return &UpstreamScanner{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *UpstreamScanner) Scan(ctx context.Context, req ScanRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, http.MethodPost, "/scan", body)
}

func (s *UpstreamScanner) Threats(ctx context.Context) (json.RawMessage, error) {
	return s.do(ctx, http.MethodGet, "/threats", nil)
}

func (s *UpstreamScanner) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Scanner request failed")
		return nil, fmt.Errorf("%w: %v", ErrScannerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScannerUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Scanner returned error status")
		return nil, fmt.Errorf("%w: status %d", ErrScannerUnavailable, resp.StatusCode)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrScannerUnavailable)
	}
	return json.RawMessage(data), nil
}
