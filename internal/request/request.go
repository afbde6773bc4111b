// Package request defines the image and region work units the orchestrator
// consumes, along with parsing and validation of the upstream JSON payloads.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// InvokeMode selects how a model endpoint is called.
type InvokeMode string

const (
	// ModeSMSync invokes a SageMaker endpoint synchronously.
	ModeSMSync InvokeMode = "SM_ENDPOINT"
	// ModeSMAsync submits to a SageMaker asynchronous endpoint.
	ModeSMAsync InvokeMode = "SM_ENDPOINT_ASYNC"
	// ModeHTTP posts tiles to a plain HTTP endpoint.
	ModeHTTP InvokeMode = "HTTP_ENDPOINT"
)

// TileFormat is the encoding of tiles sent to the model.
type TileFormat string

const (
	FormatNITF  TileFormat = "NITF"
	FormatGTIFF TileFormat = "GTIFF"
	FormatPNG   TileFormat = "PNG"
	FormatJPEG  TileFormat = "JPEG"
)

// TileCompression maps to format-specific creation options.
type TileCompression string

const (
	CompressionNone TileCompression = "NONE"
	CompressionJPEG TileCompression = "JPEG"
	CompressionJ2K  TileCompression = "J2K"
	CompressionLZW  TileCompression = "LZW"
)

// Output sink kinds.
const (
	SinkS3      = "S3"
	SinkKinesis = "Kinesis"
)

// Output describes one downstream feature sink.
type Output struct {
	Type      string `json:"type"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Stream    string `json:"stream,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// Algorithm configures a feature-distillation algorithm.
type Algorithm struct {
	AlgorithmType string  `json:"algorithmType"`
	IouThreshold  float64 `json:"iouThreshold"`
}

// PostProcessing is one element of a request's post-processing list.
type PostProcessing struct {
	Step      string    `json:"step"`
	Algorithm Algorithm `json:"algorithm"`
}

// StepFeatureDistillation is the post-processing step that enables seam
// deduplication.
const StepFeatureDistillation = "FEATURE_DISTILLATION"

// Endpoint identifies the model endpoint and how to reach it.
type Endpoint struct {
	Name          string
	Mode          InvokeMode
	TargetVariant string
	Parameters    map[string]string
}

// IsHTTP reports whether the endpoint is addressed by URL rather than by
// SageMaker endpoint name.
func (e Endpoint) IsHTTP() bool {
	return e.Mode == ModeHTTP ||
		strings.HasPrefix(e.Name, "http://") || strings.HasPrefix(e.Name, "https://")
}

// ImageRequest is the admission unit: one image to process end to end.
type ImageRequest struct {
	JobID   string
	JobName string
	ImageID string
	// ImageURL is the single URI the tile factory reads.
	ImageURL string

	Outputs  []Output
	Endpoint Endpoint

	TileSize        tiling.Dims
	TileOverlap     tiling.Dims
	TileFormat      TileFormat
	TileCompression TileCompression

	// ROI restricts processing to a lon-lat polygon; nil means the whole
	// image.
	ROI orb.Polygon

	ImageReadRole      string
	ImageProcessorRole string

	PostProcessing    []PostProcessing
	FeatureProperties map[string]any

	// RequestTime is when the upstream queue first delivered the request.
	RequestTime time.Time
}

// ImageID derives the fleet-unique image identifier from a job id and URL.
func ImageID(jobID, imageURL string) string {
	return jobID + ":" + imageURL
}

// Validate checks the structural invariants of the request. Violations are
// returned as InvalidRequest kinds so intake can dead-letter them.
func (r *ImageRequest) Validate() error {
	switch {
	case r.JobID == "":
		return apperr.New(apperr.KindInvalidRequest, "jobId is required")
	case r.ImageURL == "":
		return apperr.New(apperr.KindInvalidRequest, "imageUrls must contain a URL")
	case len(r.Outputs) == 0:
		return apperr.New(apperr.KindInvalidRequest, "at least one output sink is required")
	case r.Endpoint.Name == "":
		return apperr.New(apperr.KindInvalidRequest, "imageProcessor.name is required")
	}

	switch r.Endpoint.Mode {
	case ModeSMSync, ModeSMAsync, ModeHTTP:
	default:
		return apperr.Newf(apperr.KindInvalidRequest, "unknown imageProcessor.type %q", r.Endpoint.Mode)
	}

	if r.TileSize.Width <= 0 || r.TileSize.Height <= 0 {
		return apperr.Newf(apperr.KindInvalidRequest, "tile size must be positive, got %dx%d",
			r.TileSize.Width, r.TileSize.Height)
	}
	if r.TileOverlap.Width < 0 || r.TileOverlap.Height < 0 ||
		r.TileOverlap.Width >= r.TileSize.Width || r.TileOverlap.Height >= r.TileSize.Height {
		return apperr.Newf(apperr.KindInvalidRequest, "tile overlap %dx%d must be smaller than tile size %dx%d",
			r.TileOverlap.Width, r.TileOverlap.Height, r.TileSize.Width, r.TileSize.Height)
	}

	for _, o := range r.Outputs {
		switch o.Type {
		case SinkS3:
			if o.Bucket == "" {
				return apperr.New(apperr.KindInvalidRequest, "S3 output requires a bucket")
			}
		case SinkKinesis:
			if o.Stream == "" {
				return apperr.New(apperr.KindInvalidRequest, "Kinesis output requires a stream")
			}
		default:
			return apperr.Newf(apperr.KindInvalidRequest, "unknown output type %q", o.Type)
		}
	}

	for _, p := range r.PostProcessing {
		if p.Step != StepFeatureDistillation {
			return apperr.Newf(apperr.KindInvalidRequest, "unknown postProcessing step %q", p.Step)
		}
		if p.Algorithm.IouThreshold < 0 || p.Algorithm.IouThreshold > 1 {
			return apperr.Newf(apperr.KindInvalidRequest, "iouThreshold %v outside [0, 1]", p.Algorithm.IouThreshold)
		}
	}

	return nil
}

// Distillation returns the feature-distillation step if the request carries
// one.
func (r *ImageRequest) Distillation() (PostProcessing, bool) {
	for _, p := range r.PostProcessing {
		if p.Step == StepFeatureDistillation {
			return p, true
		}
	}
	return PostProcessing{}, false
}

// RegionRequest is the per-region work unit derived from an ImageRequest.
type RegionRequest struct {
	ImageRequest

	RegionID     string
	RegionBounds tiling.Bounds
}

// NewRegionRequest derives a region work unit. The region id encodes the
// bounds so it is stable across retries.
func NewRegionRequest(img ImageRequest, bounds tiling.Bounds) RegionRequest {
	return RegionRequest{
		ImageRequest: img,
		RegionID:     fmt.Sprintf("%s-%s", img.JobID, bounds),
		RegionBounds: bounds,
	}
}
