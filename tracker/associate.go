package tracker

import (
	"math"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AssignmentMode selects how detections are matched to live tracks.
type AssignmentMode string

const (
	// AssignGreedy matches each detection to its nearest live track, in frame order.
	AssignGreedy AssignmentMode = "greedy"
	// AssignHungarian solves a global minimum-distance assignment with Munkres' method.
	AssignHungarian AssignmentMode = "hungarian"
)

// Per-detection results of an assignment besides a track index.
const (
	unmatched = -1
	absorbed  = -2
)

// centroidDistance is the Euclidean distance between a track and an observation.
func centroidDistance(tr *Track, obs observation) float64 {
	return floats.Distance(
		[]float64{float64(tr.Centroid.X), float64(tr.Centroid.Y)},
		[]float64{float64(obs.centroid.X), float64(obs.centroid.Y)},
		2,
	)
}

// assignGreedy returns, for every observation, the index in tracks it updates,
// unmatched when it should start a new track, or absorbed when its nearest
// track was already claimed earlier in the frame.
// tracks must be ordered by id so that equal distances go to the oldest track.
// A match requires a distance strictly below threshold.
func assignGreedy(tracks []*Track, obs []observation, threshold float64) []int {
	matches := make([]int, len(obs))
	claimed := make(map[int]struct{}, len(tracks))
	for i, o := range obs {
		best, bestDist := unmatched, math.Inf(1)
		for j, tr := range tracks {
			if d := centroidDistance(tr, o); d < bestDist {
				best, bestDist = j, d
			}
		}
		if best == unmatched || bestDist >= threshold {
			matches[i] = unmatched
			continue
		}
		if _, ok := claimed[best]; ok {
			// The later detection does not move the track a second time, so it
			// cannot trigger a count on its own even if it lies past the line.
			matches[i] = absorbed
			continue
		}
		claimed[best] = struct{}{}
		matches[i] = best
	}
	return matches
}

// buildCostMatrix sets up the cost matrix for the Hungarian algorithm.
// Rows are tracks, columns observations. Costs are centroid distances capped
// at threshold so that out-of-gate pairs cannot pull the solution around.
func buildCostMatrix(tracks []*Track, obs []observation, threshold float64) [][]float64 {
	mtx := make([][]float64, len(tracks))
	for i, tr := range tracks {
		row := make([]float64, len(obs))
		for j, o := range obs {
			row[j] = math.Min(centroidDistance(tr, o), threshold)
		}
		mtx[i] = row
	}
	return mtx
}

// assignHungarian is the global counterpart of assignGreedy. It never assigns
// two observations to one track, so it never returns absorbed.
func assignHungarian(tracks []*Track, obs []observation, threshold float64) ([]int, error) {
	matches := make([]int, len(obs))
	for i := range matches {
		matches[i] = unmatched
	}
	if len(tracks) == 0 || len(obs) == 0 {
		return matches, nil
	}
	mtx := buildCostMatrix(tracks, obs, threshold)
	HA, err := hg.NewHungarianAlgorithm(mtx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build hungarian solver")
	}
	for trackIdx, obsIdx := range HA.Execute() {
		if obsIdx < 0 || obsIdx >= len(obs) {
			continue
		}
		if centroidDistance(tracks[trackIdx], obs[obsIdx]) < threshold {
			matches[obsIdx] = trackIdx
		}
	}
	return matches, nil
}
