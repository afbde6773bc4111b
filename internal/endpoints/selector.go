package endpoints

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/MeKo-Tech/tilerunner/internal/request"
)

// VariantSelector fills in a target variant for multi-variant endpoints by
// weighted random draw. Explicit overrides always pass through.
type VariantSelector struct {
	estimator *Estimator
	logger    *slog.Logger
	// randFloat returns a draw in [0, 1); replaceable in tests.
	randFloat func() float64
}

// NewVariantSelector builds a selector sharing the estimator's metadata
// cache.
func NewVariantSelector(estimator *Estimator, logger *slog.Logger) *VariantSelector {
	if logger == nil {
		logger = slog.Default()
	}
	return &VariantSelector{
		estimator: estimator,
		logger:    logger,
		randFloat: rand.Float64,
	}
}

// SelectVariant resolves the target variant for the request in place and
// returns the chosen name (empty when no selection applies).
func (s *VariantSelector) SelectVariant(ctx context.Context, req *request.ImageRequest) string {
	if req.Endpoint.TargetVariant != "" {
		return req.Endpoint.TargetVariant
	}
	if req.Endpoint.IsHTTP() {
		return ""
	}

	variants := s.estimator.Variants(ctx, req.Endpoint.Name)
	if len(variants) == 0 {
		s.logger.Warn("no variants for endpoint, leaving variant unset",
			"endpoint", req.Endpoint.Name)
		return ""
	}
	if len(variants) == 1 {
		req.Endpoint.TargetVariant = variants[0].Name
		return variants[0].Name
	}

	total := 0.0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		// All weights zero: nothing is routable, treat like a single
		// unweighted pool.
		req.Endpoint.TargetVariant = variants[0].Name
		return variants[0].Name
	}

	draw := s.randFloat() * total
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		draw -= v.Weight
		if draw < 0 {
			req.Endpoint.TargetVariant = v.Name
			return v.Name
		}
	}

	// Floating-point remainder lands on the last weighted variant.
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			req.Endpoint.TargetVariant = variants[i].Name
			return variants[i].Name
		}
	}
	return ""
}
