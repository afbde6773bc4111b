// Package detector holds the clients that turn one encoded tile into a
// feature collection by calling a remote model endpoint.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/request"
)

// FeatureDetector converts a single encoded tile into detections.
// Implementations are synchronous: the call blocks until the endpoint
// answers or fails.
type FeatureDetector struct {
	invoke func(ctx context.Context, tile io.Reader) ([]byte, error)
	name   string
}

// Name returns the endpoint identifier, for logging and metric dimensions.
func (d *FeatureDetector) Name() string { return d.name }

// DetectFeatures runs one tile through the endpoint and parses the response
// as a GeoJSON feature collection.
func (d *FeatureDetector) DetectFeatures(ctx context.Context, tile io.Reader) (*geojson.FeatureCollection, error) {
	body, err := d.invoke(ctx, tile)
	if err != nil {
		return nil, err
	}
	return ParseFeatureCollection(body)
}

// ParseFeatureCollection decodes a model response. Detectors tolerate a bare
// feature list as well as a full collection, since model containers differ.
func ParseFeatureCollection(body []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err == nil {
		return fc, nil
	}

	var features []*geojson.Feature
	if listErr := json.Unmarshal(body, &features); listErr == nil {
		fc = geojson.NewFeatureCollection()
		fc.Features = features
		return fc, nil
	}
	return nil, fmt.Errorf("parse model response: %w", err)
}

// ForEndpoint builds the synchronous detector matching the request's invoke
// mode. Async endpoints have no synchronous detector; the async pipeline
// handles them.
func ForEndpoint(ep request.Endpoint, http *HTTPClient, sm SageMakerRuntimeAPI) (*FeatureDetector, error) {
	switch {
	case ep.Mode == request.ModeHTTP || ep.IsHTTP():
		return NewHTTPDetector(ep, http), nil
	case ep.Mode == request.ModeSMSync:
		return NewSageMakerDetector(ep, sm), nil
	default:
		return nil, apperr.Newf(apperr.KindUnsupportedModel,
			"no synchronous detector for invoke mode %q", ep.Mode)
	}
}
