// Package replay loads recorded per-frame detections so that a counting run can
// be reproduced offline, without a camera or a detector.
//
// A script is YAML (or JSON, which YAML accepts):
//
//	counting_line_y: 300
//	distance_threshold: 80
//	frames:
//	  - detections:
//	      - {box: [80, 270, 120, 310], label: car, confidence: 0.9}
//	  - {}
package replay

import (
	"bytes"
	"image"
	"io"
	"os"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/vehicle-counter/tracker"
)

// Script is a recorded detection sequence plus the engine parameters to replay it with.
type Script struct {
	CountingLineY     *int     `yaml:"counting_line_y"`
	FrameHeight       int      `yaml:"frame_height"`
	DistanceThreshold *float64 `yaml:"distance_threshold"`
	MaxDisappeared    *int     `yaml:"max_disappeared"`
	Assignment        string   `yaml:"assignment"`
	Frames            []Frame  `yaml:"frames"`
}

// Frame holds the detections of one video frame. No detections is a valid frame.
type Frame struct {
	Detections []Detection `yaml:"detections"`
}

// Detection is a raw detector output: box as [x1, y1, x2, y2] in pixels.
type Detection struct {
	Box        []int   `yaml:"box"`
	Label      string  `yaml:"label"`
	Confidence float64 `yaml:"confidence"`
}

// Load reads and parses the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read script %q", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse script %q", path)
	}
	return s, nil
}

// Parse decodes a script. Unknown keys and boxes without four coordinates are errors.
func Parse(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i, f := range s.Frames {
		for j, d := range f.Detections {
			if len(d.Box) != 4 {
				return nil, errors.Errorf("frame %d detection %d: box needs 4 coordinates, got %d", i+1, j+1, len(d.Box))
			}
		}
	}
	return &s, nil
}

// EngineConfig builds the engine configuration. Either counting_line_y or
// frame_height must be set; unset optional values take the engine defaults.
func (s *Script) EngineConfig() (tracker.Config, error) {
	return tracker.Settings{
		CountingLineY:     s.CountingLineY,
		FrameHeight:       s.FrameHeight,
		DistanceThreshold: s.DistanceThreshold,
		MaxDisappeared:    s.MaxDisappeared,
		Assignment:        s.Assignment,
	}.Config()
}

// Source returns the recorded frames as a detection source ending with io.EOF.
func (s *Script) Source() *tracker.SliceSource {
	frames := make([][]objdet.Detection, 0, len(s.Frames))
	for _, f := range s.Frames {
		dets := make([]objdet.Detection, 0, len(f.Detections))
		for _, d := range f.Detections {
			// not canonicalized: inverted boxes must reach the engine as malformed
			bb := image.Rectangle{Min: image.Pt(d.Box[0], d.Box[1]), Max: image.Pt(d.Box[2], d.Box[3])}
			dets = append(dets, objdet.NewDetection(bb, d.Confidence, d.Label))
		}
		frames = append(frames, dets)
	}
	return &tracker.SliceSource{Frames: frames}
}
