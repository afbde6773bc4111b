package request

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// TargetVariantKey is the imageProcessorParameters key holding an explicit
// variant override.
const TargetVariantKey = "TargetVariant"

// payload mirrors the upstream JSON message shape.
type payload struct {
	JobName        string   `json:"jobName"`
	JobID          string   `json:"jobId"`
	ImageURLs      []string `json:"imageUrls"`
	Outputs        []Output `json:"outputs"`
	ImageProcessor struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"imageProcessor"`
	ImageProcessorParameters      map[string]string `json:"imageProcessorParameters,omitempty"`
	ImageProcessorTileSize        int               `json:"imageProcessorTileSize"`
	ImageProcessorTileOverlap     int               `json:"imageProcessorTileOverlap"`
	ImageProcessorTileFormat      string            `json:"imageProcessorTileFormat,omitempty"`
	ImageProcessorTileCompression string            `json:"imageProcessorTileCompression,omitempty"`
	PostProcessing                []PostProcessing  `json:"postProcessing,omitempty"`
	RegionOfInterest              string            `json:"regionOfInterest,omitempty"`
	ImageReadRole                 string            `json:"imageReadRole,omitempty"`
	ImageProcessorRole            string            `json:"imageProcessorRole,omitempty"`
	FeatureProperties             map[string]any    `json:"featureProperties,omitempty"`
}

// Parse decodes and validates an upstream message body into an ImageRequest.
// Malformed payloads come back as InvalidRequest kinds.
func Parse(body []byte) (*ImageRequest, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}

	if len(p.ImageURLs) == 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "imageUrls must contain a URL")
	}

	imageURL := p.ImageURLs[0]

	req := &ImageRequest{
		JobID:    p.JobID,
		JobName:  p.JobName,
		ImageID:  ImageID(p.JobID, imageURL),
		ImageURL: imageURL,
		Outputs:  p.Outputs,
		Endpoint: Endpoint{
			Name:          p.ImageProcessor.Name,
			Mode:          InvokeMode(p.ImageProcessor.Type),
			TargetVariant: p.ImageProcessorParameters[TargetVariantKey],
			Parameters:    p.ImageProcessorParameters,
		},
		TileSize:           tiling.Dims{Width: p.ImageProcessorTileSize, Height: p.ImageProcessorTileSize},
		TileOverlap:        tiling.Dims{Width: p.ImageProcessorTileOverlap, Height: p.ImageProcessorTileOverlap},
		TileFormat:         TileFormat(p.ImageProcessorTileFormat),
		TileCompression:    TileCompression(p.ImageProcessorTileCompression),
		ImageReadRole:      p.ImageReadRole,
		ImageProcessorRole: p.ImageProcessorRole,
		PostProcessing:     p.PostProcessing,
		FeatureProperties:  p.FeatureProperties,
		RequestTime:        time.Now().UTC(),
	}

	if req.TileFormat == "" {
		req.TileFormat = FormatGTIFF
	}
	if req.TileCompression == "" {
		req.TileCompression = CompressionNone
	}

	if p.RegionOfInterest != "" {
		roi, err := parseROI(p.RegionOfInterest)
		if err != nil {
			return nil, err
		}
		req.ROI = roi
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Marshal serializes the request back into the upstream payload shape. The
// requested-jobs store persists this form so a request survives scheduler
// restarts byte-for-byte.
func Marshal(r *ImageRequest) ([]byte, error) {
	p := payload{
		JobName:                       r.JobName,
		JobID:                         r.JobID,
		ImageURLs:                     []string{r.ImageURL},
		Outputs:                       r.Outputs,
		ImageProcessorParameters:      r.Endpoint.Parameters,
		ImageProcessorTileSize:        r.TileSize.Width,
		ImageProcessorTileOverlap:     r.TileOverlap.Width,
		ImageProcessorTileFormat:      string(r.TileFormat),
		ImageProcessorTileCompression: string(r.TileCompression),
		PostProcessing:                r.PostProcessing,
		ImageReadRole:                 r.ImageReadRole,
		ImageProcessorRole:            r.ImageProcessorRole,
		FeatureProperties:             r.FeatureProperties,
	}
	p.ImageProcessor.Name = r.Endpoint.Name
	p.ImageProcessor.Type = string(r.Endpoint.Mode)

	if r.Endpoint.TargetVariant != "" {
		if p.ImageProcessorParameters == nil {
			p.ImageProcessorParameters = map[string]string{}
		}
		p.ImageProcessorParameters[TargetVariantKey] = r.Endpoint.TargetVariant
	}

	if r.ROI != nil {
		p.RegionOfInterest = wkt.MarshalString(r.ROI)
	}

	return json.Marshal(p)
}

// regionPayload is the region work queue envelope: the original image
// payload plus the pixel window this message covers.
type regionPayload struct {
	RegionID     string          `json:"regionId"`
	RegionBounds string          `json:"regionBounds"`
	ImageRequest json.RawMessage `json:"imageRequest"`
}

// MarshalRegion serializes a region work unit for the region queue.
func MarshalRegion(r *RegionRequest) ([]byte, error) {
	img, err := Marshal(&r.ImageRequest)
	if err != nil {
		return nil, err
	}
	return json.Marshal(regionPayload{
		RegionID:     r.RegionID,
		RegionBounds: r.RegionBounds.String(),
		ImageRequest: img,
	})
}

// ParseRegion decodes a region queue message.
func ParseRegion(body []byte) (*RegionRequest, error) {
	var p regionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}
	img, err := Parse(p.ImageRequest)
	if err != nil {
		return nil, err
	}
	bounds, err := tiling.ParseBounds(p.RegionBounds)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}
	return &RegionRequest{
		ImageRequest: *img,
		RegionID:     p.RegionID,
		RegionBounds: bounds,
	}, nil
}

func parseROI(s string) (orb.Polygon, error) {
	geom, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, err)
	}
	switch g := geom.(type) {
	case orb.Polygon:
		return g, nil
	case orb.MultiPolygon:
		if len(g) > 0 {
			return g[0], nil
		}
	}
	return nil, apperr.Newf(apperr.KindInvalidRequest, "regionOfInterest must be a polygon, got %T", geom)
}
