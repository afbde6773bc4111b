package features

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb/geojson"

	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// DefaultIoUThreshold applies when a distillation step omits one.
const DefaultIoUThreshold = 0.75

// NMSSelector resolves duplicate seam detections by non-maximum suppression
// over pixel-space bounding boxes. Selection is deterministic for any input
// order: candidates are ranked by score descending with the feature id as the
// tie-breaker.
type NMSSelector struct {
	IoUThreshold float64
}

// NewNMSSelector builds a selector from a distillation step, falling back to
// the default threshold.
func NewNMSSelector(pp []request.PostProcessing) *NMSSelector {
	threshold := DefaultIoUThreshold
	for _, p := range pp {
		if p.Step == request.StepFeatureDistillation && p.Algorithm.IouThreshold > 0 {
			threshold = p.Algorithm.IouThreshold
		}
	}
	return &NMSSelector{IoUThreshold: threshold}
}

var _ tiling.FeatureSelector = (*NMSSelector)(nil)

// Select returns the surviving features. Features without a pixel bounding
// box cannot be compared and pass through unsuppressed.
func (s *NMSSelector) Select(features []*geojson.Feature) []*geojson.Feature {
	type boxed struct {
		f   *geojson.Feature
		box [4]float64
	}

	var candidates []boxed
	var out []*geojson.Feature
	for _, f := range features {
		box, ok := tiling.ImageBBox(f)
		if !ok {
			out = append(out, f)
			continue
		}
		candidates = append(candidates, boxed{f: f, box: box})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := featureScore(candidates[i].f), featureScore(candidates[j].f)
		if si != sj {
			return si > sj
		}
		return featureID(candidates[i].f) < featureID(candidates[j].f)
	})

	var kept []boxed
	for _, c := range candidates {
		suppressed := false
		for _, k := range kept {
			if iou(c.box, k.box) > s.IoUThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
			out = append(out, c.f)
		}
	}
	return out
}

// featureScore reads the detector confidence; unscored features rank lowest.
func featureScore(f *geojson.Feature) float64 {
	for _, key := range []string{"score", "confidence"} {
		if v, ok := f.Properties[key]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			}
		}
	}
	return 0
}

func featureID(f *geojson.Feature) string {
	if f.ID == nil {
		return ""
	}
	return fmt.Sprint(f.ID)
}

// iou computes intersection over union of two [minCol, minRow, maxCol,
// maxRow] boxes.
func iou(a, b [4]float64) float64 {
	interW := min(a[2], b[2]) - max(a[0], b[0])
	interH := min(a[3], b[3]) - max(a[1], b[1])
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
