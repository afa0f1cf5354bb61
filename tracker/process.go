package tracker

import (
	"context"
	"io"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Status describes how a run ended.
type Status string

const (
	// StatusRunning is reported for a run that has not ended yet.
	StatusRunning Status = "running"
	// StatusCompleted means every frame of the sequence was processed.
	StatusCompleted Status = "completed"
	// StatusAbandoned means the caller stopped the run early. The tally is a
	// valid, possibly low, count.
	StatusAbandoned Status = "abandoned"
	// StatusFailed means the frame sequence could not be read. There is no tally.
	StatusFailed Status = "failed"
)

// Result is the outcome of Process.
type Result struct {
	Tally  Tally
	Status Status
	Frames int
}

// DetectionSource yields the detections of each frame in capture order. It
// returns io.EOF once the sequence is exhausted. A frame without detections is
// an empty slice, not an error.
type DetectionSource interface {
	NextDetections(ctx context.Context) ([]objdet.Detection, error)
}

// FrameObserver is called after every processed frame with the counts it caused.
type FrameObserver func(frame int, events []CountingEvent)

// Process drives eng over every frame of src.
// A source error other than io.EOF fails the run and no tally is returned.
// If ctx is canceled the run is abandoned and the tally so far is returned
// together with ctx.Err().
func Process(ctx context.Context, eng *Engine, src DetectionSource, observers ...FrameObserver) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return abandoned(eng), err
		}
		dets, err := src.NextDetections(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{Tally: eng.Finalize(), Status: StatusCompleted, Frames: eng.Frames()}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return abandoned(eng), ctxErr
			}
			return Result{Status: StatusFailed, Frames: eng.Frames()},
				errors.Wrapf(err, "unable to read frame %d", eng.Frames()+1)
		}
		events := eng.Step(dets)
		for _, obs := range observers {
			obs(eng.Frames(), events)
		}
	}
}

func abandoned(eng *Engine) Result {
	return Result{Tally: eng.Finalize(), Status: StatusAbandoned, Frames: eng.Frames()}
}

// SliceSource replays pre-recorded frames. It is handy for tests and offline
// analysis.
type SliceSource struct {
	Frames [][]objdet.Detection
	next   int
}

// NextDetections returns the next recorded frame or io.EOF.
func (s *SliceSource) NextDetections(ctx context.Context) ([]objdet.Detection, error) {
	if s.next >= len(s.Frames) {
		return nil, io.EOF
	}
	dets := s.Frames[s.next]
	s.next++
	return dets, nil
}
