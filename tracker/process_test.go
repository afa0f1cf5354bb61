package tracker

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

// FakeSource replays frames and then fails or blocks, depending on the test.
type FakeSource struct {
	it     int
	res    [][]objdet.Detection
	err    error
	cancel context.CancelFunc
}

func (fs *FakeSource) NextDetections(ctx context.Context) ([]objdet.Detection, error) {
	if fs.it < len(fs.res) {
		fs.it++
		return fs.res[fs.it-1], nil
	}
	if fs.cancel != nil {
		fs.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, fs.err
}

func crossingFrames() [][]objdet.Detection {
	return [][]objdet.Detection{
		{vehicle("car", 100, 290), vehicle("two-wheeler", 400, 280)},
		{},
		{vehicle("car", 100, 310), vehicle("two-wheeler", 400, 305)},
		{vehicle("car", 100, 330)},
	}
}

func TestProcessCompleted(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	var seen []CountingEvent
	frames := 0
	res, err := Process(context.Background(), eng, &SliceSource{Frames: crossingFrames()},
		func(frame int, events []CountingEvent) {
			frames = frame
			seen = append(seen, events...)
		})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusCompleted)
	test.That(t, res.Frames, test.ShouldEqual, 4)
	test.That(t, frames, test.ShouldEqual, 4)
	test.That(t, res.Tally[Car], test.ShouldEqual, 1)
	test.That(t, res.Tally[TwoWheelerPremium], test.ShouldEqual, 1)
	test.That(t, res.Tally.Total(), test.ShouldEqual, 2)
	test.That(t, len(seen), test.ShouldEqual, 2)
	test.That(t, seen[0].Frame, test.ShouldEqual, 3)
}

func TestProcessFailedSource(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	src := &FakeSource{res: crossingFrames(), err: errors.New("corrupt frame")}
	res, err := Process(context.Background(), eng, src)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "corrupt frame")
	test.That(t, res.Status, test.ShouldEqual, StatusFailed)
	test.That(t, res.Tally, test.ShouldBeNil)
	test.That(t, res.Frames, test.ShouldEqual, 4)
}

func TestProcessUnopenableSource(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	res, err := Process(context.Background(), eng, &FakeSource{err: errors.New("cannot open video")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusFailed)
	test.That(t, res.Tally, test.ShouldBeNil)
	test.That(t, res.Frames, test.ShouldEqual, 0)
}

func TestProcessAbandoned(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &FakeSource{res: crossingFrames()[:3], cancel: cancel}
	res, err := Process(ctx, eng, src)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, res.Status, test.ShouldEqual, StatusAbandoned)
	test.That(t, res.Frames, test.ShouldEqual, 3)
	test.That(t, res.Tally[Car], test.ShouldEqual, 1)
	test.That(t, res.Tally.Total(), test.ShouldEqual, 2)
}

func TestProcessCanceledBeforeStart(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Process(ctx, eng, &SliceSource{Frames: crossingFrames()})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusAbandoned)
	test.That(t, res.Frames, test.ShouldEqual, 0)
	test.That(t, res.Tally.Total(), test.ShouldEqual, 0)
}
