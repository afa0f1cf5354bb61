package tracker

import (
	"image"
	"math"
	"testing"

	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

const testLineY = 300

// vehicle returns a detection whose centroid is exactly (cx, cy).
func vehicle(label string, cx, cy int) objdet.Detection {
	return objdet.NewDetection(image.Rect(cx-20, cy-10, cx+20, cy+10), 0.9, label)
}

func frame(dets ...objdet.Detection) []objdet.Detection {
	return dets
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return eng
}

func TestCountsOnceAfterCrossing(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))

	events := eng.Step(frame(vehicle("car", 100, 290)))
	test.That(t, events, test.ShouldBeEmpty)
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].Counted, test.ShouldBeFalse)

	events = eng.Step(frame(vehicle("car", 100, 310)))
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0], test.ShouldResemble, CountingEvent{
		Frame:    2,
		TrackID:  0,
		Category: Car,
		Centroid: image.Pt(100, 310),
		Count:    1,
	})
	test.That(t, eng.Tracks()[0].Counted, test.ShouldBeTrue)

	events = eng.Step(frame(vehicle("car", 100, 320)))
	test.That(t, events, test.ShouldBeEmpty)

	tally := eng.Finalize()
	test.That(t, tally[Car], test.ShouldEqual, 1)
	test.That(t, tally.Total(), test.ShouldEqual, 1)
	test.That(t, eng.Frames(), test.ShouldEqual, 3)
}

func TestNotCountedOnCreationFrame(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))

	// first seen already past the line
	test.That(t, eng.Step(frame(vehicle("bus", 100, 350))), test.ShouldBeEmpty)
	test.That(t, eng.Finalize()[Bus], test.ShouldEqual, 0)

	// counted once re-matched
	test.That(t, len(eng.Step(frame(vehicle("bus", 100, 360)))), test.ShouldEqual, 1)
	test.That(t, eng.Finalize()[Bus], test.ShouldEqual, 1)
}

func TestOrderSensitivity(t *testing.T) {
	above, below := vehicle("car", 100, 290), vehicle("car", 100, 310)

	downward := newTestEngine(t, DefaultConfig(testLineY))
	downward.Step(frame(above))
	downward.Step(frame(below))

	upward := newTestEngine(t, DefaultConfig(testLineY))
	upward.Step(frame(below))
	upward.Step(frame(above))

	test.That(t, downward.Finalize()[Car], test.ShouldEqual, 1)
	test.That(t, upward.Finalize()[Car], test.ShouldEqual, 0)
}

func TestAtMostOncePerTrack(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("truck", 100, 250)))
	// wander back and forth across the line
	for i := 0; i < 50; i++ {
		y := 290 + 20*(i%2)
		eng.Step(frame(vehicle("truck", 100, y)))
	}
	test.That(t, eng.Finalize()[Truck], test.ShouldEqual, 1)
	test.That(t, len(eng.Tracks()), test.ShouldEqual, 1)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 290)))
	eng.Step(frame(vehicle("car", 100, 310)))

	first := eng.Finalize()
	second := eng.Finalize()
	test.That(t, first, test.ShouldResemble, second)

	// the returned tally is a copy
	first[Car] = 42
	test.That(t, eng.Finalize()[Car], test.ShouldEqual, 1)
}

func TestEvictionAndNewIdentity(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 290)))
	eng.Step(frame(vehicle("car", 100, 310)))
	test.That(t, eng.Finalize()[Car], test.ShouldEqual, 1)

	// frames 3 to 32 leave the track just at the limit
	for f := 3; f <= 32; f++ {
		eng.Step(nil)
	}
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, DefaultMaxDisappeared)

	// frames 33 to 35 are past it
	for f := 33; f <= 35; f++ {
		eng.Step(frame())
	}
	test.That(t, eng.Tracks(), test.ShouldBeEmpty)
	test.That(t, eng.Finalize()[Car], test.ShouldEqual, 1)

	eng.Step(frame(vehicle("car", 100, 312)))
	tracks = eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].ID, test.ShouldEqual, 1)
	test.That(t, tracks[0].Counted, test.ShouldBeFalse)
	test.That(t, tracks[0].FirstFrame, test.ShouldEqual, 36)
	test.That(t, eng.Finalize()[Car], test.ShouldEqual, 1)
}

func TestThresholdBoundary(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 100)))

	// exactly 80 pixels away is not a match
	eng.Step(frame(vehicle("car", 100, 180)))
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 2)
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 1)
	test.That(t, tracks[1].Centroid, test.ShouldResemble, image.Pt(100, 180))

	// 79 pixels from track 1 matches it
	eng.Step(frame(vehicle("car", 100, 259)))
	tracks = eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 2)
	test.That(t, tracks[1].Centroid, test.ShouldResemble, image.Pt(100, 259))
	test.That(t, tracks[1].Disappeared, test.ShouldEqual, 0)
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 2)
}

func TestTieGoesToOldestTrack(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 100), vehicle("bus", 200, 100)))

	eng.Step(frame(vehicle("truck", 150, 100)))
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 2)
	test.That(t, tracks[0].Centroid, test.ShouldResemble, image.Pt(150, 100))
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 0)
	// the category is frozen at registration
	test.That(t, tracks[0].Category, test.ShouldEqual, Car)
	test.That(t, tracks[1].Disappeared, test.ShouldEqual, 1)
}

func TestSecondClaimIsAbsorbed(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 290)))

	events := eng.Step(frame(vehicle("car", 100, 295), vehicle("car", 100, 310)))
	test.That(t, events, test.ShouldBeEmpty)
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].Centroid, test.ShouldResemble, image.Pt(100, 295))
	test.That(t, tracks[0].Counted, test.ShouldBeFalse)
	test.That(t, eng.Finalize().Total(), test.ShouldEqual, 0)
}

func TestNewTracksAreNotCandidatesInTheirFrame(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 100)))

	// both far from track 0, close to each other
	eng.Step(frame(vehicle("bus", 400, 100), vehicle("bus", 410, 100)))
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 3)
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 1)
	test.That(t, tracks[1].Disappeared, test.ShouldEqual, 0)
	test.That(t, tracks[2].Disappeared, test.ShouldEqual, 0)
}

func TestCategoryIsFrozen(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	eng.Step(frame(vehicle("car", 100, 290)))
	// narrow box this time, which alone would refine to three-wheeler
	narrow := objdet.NewDetection(image.Rect(95, 290, 105, 330), 0.9, "car")
	events := eng.Step(frame(narrow))
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0].Category, test.ShouldEqual, Car)
	test.That(t, eng.Finalize()[ThreeWheeler], test.ShouldEqual, 0)
}

func TestMalformedDetectionsAreDropped(t *testing.T) {
	eng := newTestEngine(t, DefaultConfig(testLineY))
	events := eng.Step(frame(
		nil,
		objdet.NewDetection(image.Rect(10, 10, 10, 30), 0.9, "car"),
		objdet.NewDetection(image.Rectangle{Min: image.Pt(40, 30), Max: image.Pt(10, 10)}, 0.9, "car"),
		objdet.NewDetection(image.Rect(10, 10, 40, 30), 1.5, "car"),
		objdet.NewDetection(image.Rect(10, 10, 40, 30), math.NaN(), "car"),
		vehicle("person", 100, 100),
		vehicle("bus", 200, 200),
	))
	test.That(t, events, test.ShouldBeEmpty)
	tracks := eng.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, tracks[0].Category, test.ShouldEqual, Bus)
}

func TestHungarianAvoidsDoubleClaims(t *testing.T) {
	first := frame(vehicle("car", 100, 100), vehicle("car", 170, 100))
	second := frame(vehicle("car", 140, 100), vehicle("car", 200, 100))

	greedy := newTestEngine(t, DefaultConfig(testLineY))
	greedy.Step(first)
	greedy.Step(second)
	tracks := greedy.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 2)
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 1)
	test.That(t, tracks[1].Centroid, test.ShouldResemble, image.Pt(140, 100))

	cfg := DefaultConfig(testLineY)
	cfg.Assignment = AssignHungarian
	hungarian := newTestEngine(t, cfg)
	hungarian.Step(first)
	hungarian.Step(second)
	tracks = hungarian.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 2)
	test.That(t, tracks[0].Centroid, test.ShouldResemble, image.Pt(140, 100))
	test.That(t, tracks[1].Centroid, test.ShouldResemble, image.Pt(200, 100))
	test.That(t, tracks[0].Disappeared, test.ShouldEqual, 0)
	test.That(t, tracks[1].Disappeared, test.ShouldEqual, 0)
}

func TestHungarianRegistersOutOfGate(t *testing.T) {
	cfg := DefaultConfig(testLineY)
	cfg.Assignment = AssignHungarian
	eng := newTestEngine(t, cfg)
	eng.Step(frame(vehicle("car", 100, 290)))

	events := eng.Step(frame(vehicle("bus", 500, 100), vehicle("car", 100, 310)))
	test.That(t, len(events), test.ShouldEqual, 1)
	test.That(t, events[0].TrackID, test.ShouldEqual, 0)
	test.That(t, len(eng.Tracks()), test.ShouldEqual, 2)
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative line", func(c *Config) { c.CountingLineY = -1 }},
		{"zero threshold", func(c *Config) { c.DistanceThreshold = 0 }},
		{"negative threshold", func(c *Config) { c.DistanceThreshold = -80 }},
		{"nan threshold", func(c *Config) { c.DistanceThreshold = math.NaN() }},
		{"zero max disappeared", func(c *Config) { c.MaxDisappeared = 0 }},
		{"unknown assignment", func(c *Config) { c.Assignment = "optimal" }},
		{"missing assignment", func(c *Config) { c.Assignment = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(testLineY)
			tc.mutate(&cfg)
			eng, err := NewEngine(cfg, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, eng, test.ShouldBeNil)
		})
	}

	eng, err := NewEngine(DefaultConfig(0), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eng.Config().DistanceThreshold, test.ShouldEqual, DefaultDistanceThreshold)
}

func TestCountingLineFromHeight(t *testing.T) {
	test.That(t, CountingLineFromHeight(500), test.ShouldEqual, 300)
	test.That(t, CountingLineFromHeight(1080), test.ShouldEqual, 648)
	test.That(t, CountingLineFromHeight(0), test.ShouldEqual, 0)
}
