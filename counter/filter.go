// Package counter implements a vehicle counter as a Viam vision service
// This file contains methods that are useful for filtering out detections.
package counter

import (
	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/vehicle-counter/tracker"
)

// NewLabelFilter returns a Detections->Detections filtering method to remove
// detections that do not have a raw category in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map keeps every non-nil detection.
// Input chosenLabels is the map with <"raw_category": confidence> key-value pairs.
func NewLabelFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			if d == nil {
				continue
			}
			if len(chosenLabels) < 1 {
				out = append(out, d)
				continue
			}
			minConf, ok := chosenLabels[tracker.NormalizeRawLabel(d.Label())]
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections applies the per-label filter and then the global score filter.
func FilterDetections(chosenLabels map[string]float64, dets []objdet.Detection, conf float64) []objdet.Detection {
	firstPass := NewLabelFilter(chosenLabels)(dets)
	return objdet.NewScoreFilter(conf)(firstPass)
}

// NormalizeChosenLabels keys chosenLabels by raw category, the way detection
// labels are looked up. Keys that are not a vehicle category are rejected.
func NormalizeChosenLabels(chosenLabels map[string]float64) (map[string]float64, error) {
	if len(chosenLabels) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(chosenLabels))
	for label, conf := range chosenLabels {
		if !tracker.IsRawCategory(label) {
			return nil, errors.Errorf("chosen label %q is not a vehicle category", label)
		}
		if conf < 0 || conf > 1 {
			return nil, errors.Errorf("confidence for chosen label %q must be between 0.0 and 1.0", label)
		}
		raw := tracker.NormalizeRawLabel(label)
		if prev, ok := out[raw]; ok && prev < conf {
			conf = prev
		}
		out[raw] = conf
	}
	return out, nil
}
