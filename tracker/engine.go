// Package tracker implements the vehicle tracking and line-crossing counting engine.
//
// An Engine receives the detections of one frame at a time, associates them with
// the tracks it already follows by nearest centroid, and counts every track once,
// the first time it is matched below a horizontal counting line.
package tracker

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

var (
	// DefaultDistanceThreshold is the centroid distance, in pixels, under which a
	// detection is matched to a track.
	DefaultDistanceThreshold = 80.0
	// DefaultMaxDisappeared is how many consecutive frames a track may go
	// unmatched before it is dropped.
	DefaultMaxDisappeared = 30
	// CountingLineRatio places the counting line at this fraction of the frame height.
	CountingLineRatio = 0.6
)

// CountingLineFromHeight returns the counting line for a frame of the given height.
func CountingLineFromHeight(frameHeight int) int {
	return int(float64(frameHeight) * CountingLineRatio)
}

// Config holds the parameters of one engine. It is fixed for the whole run.
type Config struct {
	CountingLineY     int
	DistanceThreshold float64
	MaxDisappeared    int
	Assignment        AssignmentMode
}

// DefaultConfig returns a greedy configuration with the default threshold and
// disappearance limit. The counting line has no default.
func DefaultConfig(countingLineY int) Config {
	return Config{
		CountingLineY:     countingLineY,
		DistanceThreshold: DefaultDistanceThreshold,
		MaxDisappeared:    DefaultMaxDisappeared,
		Assignment:        AssignGreedy,
	}
}

// Validate rejects configurations instead of falling back to defaults.
func (cfg Config) Validate() error {
	if cfg.CountingLineY < 0 {
		return errors.Errorf("counting line must not be negative, got %d", cfg.CountingLineY)
	}
	if math.IsNaN(cfg.DistanceThreshold) || cfg.DistanceThreshold <= 0 {
		return errors.Errorf("distance threshold must be positive, got %v", cfg.DistanceThreshold)
	}
	if cfg.MaxDisappeared <= 0 {
		return errors.Errorf("max disappeared must be positive, got %d", cfg.MaxDisappeared)
	}
	switch cfg.Assignment {
	case AssignGreedy, AssignHungarian:
	default:
		return errors.Errorf("unknown assignment mode %q", cfg.Assignment)
	}
	return nil
}

// CountingEvent reports one increment of the tally.
type CountingEvent struct {
	Frame    int
	TrackID  int
	Category Category
	Centroid image.Point
	// Count is the category total after this increment.
	Count int
}

// Engine tracks and counts the vehicles of a single video.
// An Engine is not safe for concurrent use; run one engine per video.
type Engine struct {
	cfg    Config
	logger logging.Logger
	store  *trackStore
	tally  Tally
	frame  int
}

// NewEngine validates cfg and returns an engine with an empty track store and
// a zeroed tally.
func NewEngine(cfg Config, logger logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}
	if logger == nil {
		logger = logging.NewLogger("tracker")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		store:  newTrackStore(cfg.MaxDisappeared),
		tally:  NewTally(),
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Frames returns how many frames have been stepped.
func (e *Engine) Frames() int {
	return e.frame
}

// Step processes the detections of exactly one frame and returns the counts it
// caused. An empty or nil slice is a valid frame: live tracks still age.
func (e *Engine) Step(dets []objdet.Detection) []CountingEvent {
	e.frame++
	obs := e.observe(dets)
	seen := make(map[int]struct{}, len(obs))
	var events []CountingEvent

	if e.store.len() == 0 {
		for _, o := range obs {
			tr := e.store.register(o, e.frame)
			seen[tr.ID] = struct{}{}
		}
	} else {
		tracks := e.store.ordered()
		matches := e.assign(tracks, obs)
		for i, o := range obs {
			switch m := matches[i]; {
			case m >= 0:
				tr := tracks[m]
				e.store.update(tr, o, e.frame)
				seen[tr.ID] = struct{}{}
				if ev, ok := e.countCrossing(tr); ok {
					events = append(events, ev)
				}
			case m == unmatched:
				tr := e.store.register(o, e.frame)
				seen[tr.ID] = struct{}{}
			default:
				e.logger.Debugf("frame %d: %s at %v absorbed by an already matched track", e.frame, o.category, o.centroid)
			}
		}
	}

	for _, tr := range e.store.age(seen) {
		e.logger.Debugf("frame %d: track %d (%s) evicted, counted=%t", e.frame, tr.ID, tr.Category, tr.Counted)
	}
	return events
}

// Finalize returns a copy of the tally. It may be called at any point and does
// not change the engine.
func (e *Engine) Finalize() Tally {
	return e.tally.Clone()
}

// Tracks returns a snapshot of the live tracks ordered by id.
func (e *Engine) Tracks() []Track {
	return e.store.snapshot()
}

// observe drops malformed and non-vehicle detections and refines the rest.
func (e *Engine) observe(dets []objdet.Detection) []observation {
	obs := make([]observation, 0, len(dets))
	for _, det := range dets {
		if err := checkDetection(det); err != nil {
			e.logger.Debugf("frame %d: dropping detection: %s", e.frame, err)
			continue
		}
		category, ok := Refine(det)
		if !ok {
			continue
		}
		bb := *det.BoundingBox()
		obs = append(obs, observation{
			centroid: centroidOf(bb),
			box:      bb,
			category: category,
		})
	}
	return obs
}

func (e *Engine) assign(tracks []*Track, obs []observation) []int {
	if e.cfg.Assignment == AssignHungarian {
		matches, err := assignHungarian(tracks, obs, e.cfg.DistanceThreshold)
		if err == nil {
			return matches
		}
		e.logger.Warnf("frame %d: falling back to greedy assignment: %s", e.frame, err)
	}
	return assignGreedy(tracks, obs, e.cfg.DistanceThreshold)
}

// countCrossing counts a just-updated track once it sits below the counting line.
func (e *Engine) countCrossing(tr *Track) (CountingEvent, bool) {
	if tr.Counted || tr.Centroid.Y <= e.cfg.CountingLineY {
		return CountingEvent{}, false
	}
	tr.Counted = true
	e.tally[tr.Category]++
	ev := CountingEvent{
		Frame:    e.frame,
		TrackID:  tr.ID,
		Category: tr.Category,
		Centroid: tr.Centroid,
		Count:    e.tally[tr.Category],
	}
	e.logger.Infof("frame %d: counted track %d as %s (total %d)", ev.Frame, ev.TrackID, ev.Category, ev.Count)
	return ev, true
}

// checkDetection rejects detections the engine cannot reason about.
func checkDetection(det objdet.Detection) error {
	if det == nil {
		return errors.New("nil detection")
	}
	bb := det.BoundingBox()
	if bb == nil {
		return errors.Errorf("%q has no bounding box", det.Label())
	}
	if bb.Min.X >= bb.Max.X || bb.Min.Y >= bb.Max.Y {
		return errors.Errorf("%q has degenerate box %v", det.Label(), *bb)
	}
	score := det.Score()
	if math.IsNaN(score) || score < 0 || score > 1 {
		return errors.Errorf("%q has confidence %v outside [0, 1]", det.Label(), score)
	}
	return nil
}
