// Package counter implements a vehicle counter as a Viam vision service.
// This file contains methods that handle the label (or name) of a tracked vehicle.
// Labels are of the format category_N, N being the track id within the current run.
package counter

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/vehicle-counter/tracker"
)

// TrackLabel names a track by its category and id.
func TrackLabel(tr tracker.Track) string {
	return string(tr.Category) + "_" + strconv.Itoa(tr.ID)
}

// ParseTrackLabel splits a label produced by TrackLabel.
func ParseTrackLabel(label string) (tracker.Category, int, error) {
	idx := strings.LastIndex(label, "_")
	if idx < 0 {
		return "", 0, errors.Errorf("label %q has no track id", label)
	}
	c, ok := tracker.ParseCategory(label[:idx])
	if !ok {
		return "", 0, errors.Errorf("label %q has unknown category", label)
	}
	id, err := strconv.Atoi(label[idx+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "unable to parse label %v", label)
	}
	return c, id, nil
}

// visibleDetections returns the tracks matched on the latest frame as detections.
// Counted tracks report a score of 1, the others 0.5.
func visibleDetections(tracks []tracker.Track) []objdet.Detection {
	dets := make([]objdet.Detection, 0, len(tracks))
	for _, tr := range tracks {
		if tr.Disappeared > 0 {
			continue
		}
		score := 0.5
		if tr.Counted {
			score = 1
		}
		dets = append(dets, objdet.NewDetection(tr.Box, score, TrackLabel(tr)))
	}
	return dets
}

func trackSummaries(tracks []tracker.Track) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, map[string]interface{}{
			"label":       TrackLabel(tr),
			"x":           tr.Centroid.X,
			"y":           tr.Centroid.Y,
			"disappeared": tr.Disappeared,
			"counted":     tr.Counted,
			"first_frame": tr.FirstFrame,
			"last_frame":  tr.LastFrame,
		})
	}
	return out
}
