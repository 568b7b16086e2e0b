// Package geo resolves the approximate location of the node from its public
// IP address.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/utils"
)

const (
	DefaultURL     = "https://ipinfo.io/json"
	DefaultTimeout = 5 * time.Second

	unknown = "Unknown"
)

// Error markers stored on a failed lookup.
const (
	ErrMarkerStatus     = "Could not retrieve location data"
	ErrMarkerConnection = "Connection error"
)

type ipInfoResponse struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Loc     string `json:"loc"`
}

// Resolver queries an ipinfo compatible endpoint.
type Resolver struct {
	l      *slog.Logger
	url    string
	client *http.Client
}

// NewResolver creates a resolver. An empty url uses DefaultURL.
func NewResolver(l *slog.Logger, url string) *Resolver {
	if url == "" {
		url = DefaultURL
	}

	return &Resolver{
		l:      l.With(slog.String("component", "geo")),
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// Lookup returns the node location. It never fails: errors are reported as
// a GeoInfo carrying an error marker so the sensor keeps running.
func (r *Resolver) Lookup(ctx context.Context) telemetry.GeoInfo {
	info, err := r.lookup(ctx)
	if err != nil {
		r.l.Error("Failed to resolve location", slog.String("url", r.url), utils.ErrAttr(err))

		return info
	}

	r.l.Info("Resolved location", slog.String("city", info.City), slog.String("region", info.Region), slog.String("country", info.Country))

	return info
}

func (r *Resolver) lookup(ctx context.Context) (telemetry.GeoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return telemetry.GeoInfo{Err: ErrMarkerConnection}, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return telemetry.GeoInfo{Err: ErrMarkerConnection}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return telemetry.GeoInfo{Err: ErrMarkerStatus}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body ipInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return telemetry.GeoInfo{Err: ErrMarkerConnection}, fmt.Errorf("failed to decode response: %w", err)
	}

	return telemetry.GeoInfo{
		City:        orUnknown(body.City),
		Region:      orUnknown(body.Region),
		Country:     orUnknown(body.Country),
		Coordinates: orUnknown(body.Loc),
	}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}

	return s
}
