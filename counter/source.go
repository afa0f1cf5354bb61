package counter

import (
	"context"
	"image"
	"time"

	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/services/vision"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

// cameraSource turns a camera stream and a detector into a detection source.
// Stream errors, io.EOF included, end the run. Detector errors only cost the
// detections of that frame: the frame is still stepped so tracks keep aging.
type cameraSource struct {
	stream        gostream.VideoStream
	detector      vision.Service
	logger        logging.Logger
	chosenLabels  map[string]float64
	minConfidence float64
	frequency     float64

	frameStart time.Time
	onImage    func(image.Image)
}

func (s *cameraSource) NextDetections(ctx context.Context) ([]objdet.Detection, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	s.frameStart = time.Now()
	img, _, err := s.stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil {
		s.logger.Warnf("got nil image, stepping an empty frame")
		return []objdet.Detection{}, nil
	}
	if s.onImage != nil {
		s.onImage(img)
	}
	detections, err := s.detector.Detections(ctx, img, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Errorf("can't get detections, stepping an empty frame. got err: %s", err)
		return []objdet.Detection{}, nil
	}
	return FilterDetections(s.chosenLabels, detections, s.minConfidence), nil
}

// throttle waits until a full period at the configured frequency has passed
// since the previous frame started.
func (s *cameraSource) throttle(ctx context.Context) error {
	if s.frequency <= 0 || s.frameStart.IsZero() {
		return nil
	}
	waitFor := time.Duration((1/s.frequency)*float64(time.Second)) - time.Since(s.frameStart)
	if waitFor <= time.Microsecond {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitFor):
		return nil
	}
}

// took reports how long the current frame has been processing.
func (s *cameraSource) took() time.Duration {
	return time.Since(s.frameStart)
}
