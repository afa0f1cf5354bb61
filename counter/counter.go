// Package counter implements a vehicle counter as a Viam vision service
package counter

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/vehicle-counter/results"
	"github.com/viam-modules/vehicle-counter/tracker"
)

// ModelName is the name of the model
const (
	ModelName    = "vehicle-counter"
	CountedLabel = "vehicle-counted"
)

var (
	// Here is where we define your new model's colon-delimited-triplet (viam:vision:vehicle-counter)
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMinConfidence   = 0.3
	DefaultTriggerCoolDown = 5.0
	DefaultEventBufferSize = 30
	MaxEventBufferSize     = 256
	saveTimeout            = 10 * time.Second
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newCounter,
	})
}

type vehicleCounter struct {
	resource.Named
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	// runMu serializes starting and stopping runs.
	runMu sync.Mutex

	currImg     atomic.Pointer[image.Image]
	newInstance atomic.Bool
	properties  vision.Properties

	openStream      func(ctx context.Context) (gostream.VideoStream, error)
	camName         string
	detector        vision.Service
	engineCfg       tracker.Config
	chosenLabels    map[string]float64
	minConfidence   float64
	frequency       float64
	coolDown        float64
	eventBufferSize int

	// mu guards everything below.
	mu    sync.RWMutex
	store *results.Store
	run   *countingRun
	stats frameStats
}

func newCounter(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	cancelableCtx, cancel := context.WithCancel(context.Background())
	vc := &vehicleCounter{
		Named:         conf.ResourceName().AsNamed(),
		logger:        logger,
		cancelFunc:    cancel,
		cancelContext: cancelableCtx,
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}
	if err := vc.Reconfigure(ctx, deps, conf); err != nil {
		cancel()
		return nil, err
	}
	return vc, nil
}

// Config contains names for necessary resources (camera and vision service)
// and the parameters of the counting engine.
type Config struct {
	CameraName        string             `json:"camera_name"`
	DetectorName      string             `json:"detector_name"`
	CountingLineY     *int               `json:"counting_line_y,omitempty"`
	FrameHeight       int                `json:"frame_height,omitempty"`
	DistanceThreshold *float64           `json:"distance_threshold,omitempty"`
	MaxDisappeared    *int               `json:"max_disappeared,omitempty"`
	Assignment        string             `json:"assignment,omitempty"`
	ChosenLabels      map[string]float64 `json:"chosen_labels,omitempty"`
	MinConfidence     *float64           `json:"min_confidence,omitempty"`
	MaxFrequency      float64            `json:"max_frequency_hz,omitempty"`
	TriggerCoolDown   *float64           `json:"trigger_cool_down_s,omitempty"`
	EventBufferSize   int                `json:"event_buffer_size,omitempty"`
	ResultsDB         string             `json:"results_db,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	// this makes them required for the model to successfully build
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for vehicle counter %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for vehicle counter %q`, path)
	}
	if _, err := cfg.engineConfig(); err != nil {
		return nil, errors.Wrapf(err, "invalid tracking attributes for vehicle counter %q", path)
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("max_frequency_hz must not be negative")
	}
	if cfg.MinConfidence != nil && (*cfg.MinConfidence < 0 || *cfg.MinConfidence > 1) {
		return nil, errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0.")
	}
	if cfg.EventBufferSize < 0 || cfg.EventBufferSize > MaxEventBufferSize {
		return nil, errors.Errorf("event_buffer_size must be between 0 and %d (0 uses the default)", MaxEventBufferSize)
	}
	if _, err := NormalizeChosenLabels(cfg.ChosenLabels); err != nil {
		return nil, err
	}

	// Return the resource names so that newCounter can access them as dependencies.
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

func (cfg *Config) engineConfig() (tracker.Config, error) {
	return tracker.Settings{
		CountingLineY:     cfg.CountingLineY,
		FrameHeight:       cfg.FrameHeight,
		DistanceThreshold: cfg.DistanceThreshold,
		MaxDisappeared:    cfg.MaxDisappeared,
		Assignment:        cfg.Assignment,
	}.Config()
}

// Reconfigure stops the current run, applies the new settings and starts a
// fresh run. Nothing is stopped if the new config is unusable.
func (vc *vehicleCounter) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	// This takes the generic resource.Config passed down from the parent and converts it to the
	// model-specific (aka "native") Config structure defined, above making it easier to directly access attributes.
	counterConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	if _, err := counterConfig.Validate(conf.Name); err != nil {
		return err
	}
	engineCfg, err := counterConfig.engineConfig()
	if err != nil {
		return err
	}
	chosenLabels, err := NormalizeChosenLabels(counterConfig.ChosenLabels)
	if err != nil {
		return err
	}
	cam, err := camera.FromDependencies(deps, counterConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for vehicle counter", counterConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, counterConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for vehicle counter", counterConfig.DetectorName)
	}
	var store *results.Store
	if counterConfig.ResultsDB != "" {
		store, err = results.Open(ctx, counterConfig.ResultsDB)
		if err != nil {
			return err
		}
	}

	vc.runMu.Lock()
	defer vc.runMu.Unlock()
	vc.stopRun()

	vc.openStream = func(ctx context.Context) (gostream.VideoStream, error) {
		return cam.Stream(ctx, nil)
	}
	vc.camName = counterConfig.CameraName
	vc.detector = detector
	vc.engineCfg = engineCfg
	vc.chosenLabels = chosenLabels
	vc.frequency = counterConfig.MaxFrequency
	vc.minConfidence = DefaultMinConfidence
	if counterConfig.MinConfidence != nil {
		vc.minConfidence = *counterConfig.MinConfidence
	}
	vc.coolDown = DefaultTriggerCoolDown
	if counterConfig.TriggerCoolDown != nil {
		vc.coolDown = *counterConfig.TriggerCoolDown
	}
	vc.eventBufferSize = DefaultEventBufferSize
	if counterConfig.EventBufferSize > 0 {
		vc.eventBufferSize = counterConfig.EventBufferSize
	}

	vc.mu.Lock()
	oldStore := vc.store
	vc.store = store
	vc.mu.Unlock()
	if oldStore != nil {
		if err := oldStore.Close(); err != nil {
			vc.logger.Warnf("unable to close previous results store: %s", err)
		}
	}
	return vc.startRun()
}

// startRun opens the camera stream and counts it with a fresh engine in the background.
// Callers hold runMu.
func (vc *vehicleCounter) startRun() error {
	stream, err := vc.openStream(vc.cancelContext)
	if err != nil {
		return errors.Wrapf(err, "unable to stream camera %v", vc.camName)
	}
	return vc.startRunWithStream(stream)
}

func (vc *vehicleCounter) startRunWithStream(stream gostream.VideoStream) error {
	eng, err := tracker.NewEngine(vc.engineCfg, vc.logger)
	if err != nil {
		stream.Close(vc.cancelContext)
		return err
	}
	runCtx, runCancel := context.WithCancel(vc.cancelContext)
	vc.mu.Lock()
	run := newCountingRun(vc.camName, vc.store, runCancel, vc.eventBufferSize)
	vc.run = run
	vc.stats = frameStats{}
	vc.mu.Unlock()

	src := &cameraSource{
		stream:        stream,
		detector:      vc.detector,
		logger:        vc.logger,
		chosenLabels:  vc.chosenLabels,
		minConfidence: vc.minConfidence,
		frequency:     vc.frequency,
		onImage: func(img image.Image) {
			vc.currImg.Store(&img)
		},
	}
	vc.logger.Infof("starting counting run %s on camera %s, counting line at y=%d", run.id, vc.camName, vc.engineCfg.CountingLineY)

	vc.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		vc.count(runCtx, eng, src, run)
	}, func() {
		runCancel()
		if err := stream.Close(context.Background()); err != nil {
			vc.logger.Warnf("unable to close camera stream: %s", err)
		}
		close(run.done)
		vc.activeBackgroundWorkers.Done()
	})
	return nil
}

// stopRun abandons the current run, if any, and waits for it to wind down.
// Callers hold runMu.
func (vc *vehicleCounter) stopRun() {
	vc.mu.RLock()
	run := vc.run
	vc.mu.RUnlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

func (vc *vehicleCounter) reset() error {
	vc.runMu.Lock()
	defer vc.runMu.Unlock()
	vc.stopRun()
	return vc.startRun()
}

// count is the body of a run: it drives the engine over the camera stream and
// publishes a snapshot after every frame.
func (vc *vehicleCounter) count(ctx context.Context, eng *tracker.Engine, src *cameraSource, run *countingRun) {
	name := vc.Name().Name
	res, err := tracker.Process(ctx, eng, src, func(frame int, events []tracker.CountingEvent) {
		took := src.took()
		tally, tracks := eng.Finalize(), eng.Tracks()

		vc.mu.Lock()
		run.publish(frame, tally, tracks, events)
		vc.stats.add(took)
		vc.mu.Unlock()

		framesProcessed.WithLabelValues(name).Inc()
		frameDuration.WithLabelValues(name).Observe(took.Seconds())
		liveTracks.WithLabelValues(name).Set(float64(len(tracks)))
		for _, ev := range events {
			vehiclesCounted.WithLabelValues(name, string(ev.Category)).Inc()
		}
		if len(events) > 0 {
			vc.trigger()
		}
	})
	vc.finish(run, res, err)
}

// finish records the outcome of a run and saves it when a results store is configured.
func (vc *vehicleCounter) finish(run *countingRun, res tracker.Result, err error) {
	vc.mu.Lock()
	run.end(res, err)
	vc.mu.Unlock()
	runsFinished.WithLabelValues(vc.Name().Name, string(res.Status)).Inc()

	if res.Status == tracker.StatusFailed {
		vc.logger.Errorf("counting run %s failed after %d frames: %s", run.id, res.Frames, err)
		return
	}
	vc.logger.Infof("counting run %s %s after %d frames, %d vehicles: %v",
		run.id, res.Status, res.Frames, res.Tally.Total(), res.Tally)

	if run.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if _, err := run.store.SaveRun(ctx, results.Run{
		ID:         run.id,
		Source:     run.source,
		Status:     res.Status,
		Frames:     res.Frames,
		Counts:     res.Tally,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
	}); err != nil {
		vc.logger.Errorf("unable to save counting run %s: %s", run.id, err)
	}
}

func (vc *vehicleCounter) trigger() {
	if vc.triggerCancelFunc != nil {
		vc.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(vc.cancelContext)
	vc.triggerContext = triggerContext
	vc.triggerCancelFunc = triggerCancelFunc

	vc.newInstance.Store(true)
	vc.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(vc.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				vc.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			vc.activeBackgroundWorkers.Done()
		})
}

func (vc *vehicleCounter) currentDetections() []objdet.Detection {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	if vc.run == nil {
		return []objdet.Detection{}
	}
	return visibleDetections(vc.run.tracks)
}

func (vc *vehicleCounter) currentClassifications() classification.Classifications {
	if newInstance := vc.newInstance.Load(); newInstance {
		return []classification.Classification{classification.NewClassification(1, CountedLabel)}
	}
	return []classification.Classification{}
}

func (vc *vehicleCounter) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != vc.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, vc.camName)
	}
	return vc.Detections(ctx, nil, extra)
}

// Detections returns the vehicles matched on the latest frame; the image argument is ignored.
func (vc *vehicleCounter) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	select {
	case <-vc.cancelContext.Done():
		return nil, vc.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return vc.currentDetections(), nil
	}
}

func (vc *vehicleCounter) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != vc.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, vc.camName)
	}
	return vc.currentClassifications(), nil
}

// Classifications reports CountedLabel while the cool down after the latest count is running.
func (vc *vehicleCounter) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return vc.currentClassifications(), nil
}

func (vc *vehicleCounter) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &vc.properties, nil
}

func (vc *vehicleCounter) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (vc *vehicleCounter) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var detections []objdet.Detection
	var classifications []classification.Classification
	var img image.Image
	select {
	case <-vc.cancelContext.Done():
		return viscapture.VisCapture{}, vc.cancelContext.Err()
	case <-ctx.Done():
		return viscapture.VisCapture{}, ctx.Err()
	default:
		if cameraName != vc.camName {
			return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, vc.camName)
		}
		if opt.ReturnImage {
			if curr := vc.currImg.Load(); curr != nil {
				img = *curr
			}
		}
		if opt.ReturnDetections {
			detections = vc.currentDetections()
		}
		if opt.ReturnClassifications {
			classifications = vc.currentClassifications()
		}
	}
	return viscapture.VisCapture{Image: img, Detections: detections, Classifications: classifications}, nil
}

func (vc *vehicleCounter) Close(ctx context.Context) error {
	vc.cancelFunc()
	vc.activeBackgroundWorkers.Wait()
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.store != nil {
		err := vc.store.Close()
		vc.store = nil
		return err
	}
	return nil
}

// countingRun is the published state of one pass of the engine over the camera stream.
type countingRun struct {
	id     string
	source string
	store  *results.Store
	cancel context.CancelFunc
	done   chan struct{}

	startedAt  time.Time
	finishedAt time.Time
	status     tracker.Status
	frames     int
	tally      tracker.Tally
	tracks     []tracker.Track
	events     *eventsBuffer
	err        error
}

func newCountingRun(source string, store *results.Store, cancel context.CancelFunc, bufferSize int) *countingRun {
	return &countingRun{
		id:        uuid.NewString(),
		source:    source,
		store:     store,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		status:    tracker.StatusRunning,
		tally:     tracker.NewTally(),
		events:    newEventsBuffer(bufferSize),
	}
}

func (r *countingRun) publish(frame int, tally tracker.Tally, tracks []tracker.Track, events []tracker.CountingEvent) {
	r.frames = frame
	r.tally = tally
	r.tracks = tracks
	r.events.Append(events)
}

// end records the result. A failed run keeps no tally.
func (r *countingRun) end(res tracker.Result, err error) {
	r.status = res.Status
	r.frames = res.Frames
	r.finishedAt = time.Now()
	r.tally = res.Tally
	r.tracks = nil
	if res.Status == tracker.StatusFailed {
		r.err = err
	}
}

type eventsBuffer struct {
	events []tracker.CountingEvent
	size   int
}

// newEventsBuffer initializes a new fixed-length queue with the specified size.
func newEventsBuffer(size int) *eventsBuffer {
	return &eventsBuffer{
		events: make([]tracker.CountingEvent, 0, size),
		size:   size,
	}
}

// Append adds events, dropping the oldest ones once the buffer is full.
func (b *eventsBuffer) Append(events []tracker.CountingEvent) {
	b.events = append(b.events, events...)
	if over := len(b.events) - b.size; over > 0 {
		b.events = append([]tracker.CountingEvent(nil), b.events[over:]...)
	}
}

func (b *eventsBuffer) Events() []tracker.CountingEvent {
	return append([]tracker.CountingEvent(nil), b.events...)
}

// frameStats aggregates the time taken per frame over a run.
type frameStats struct {
	n        int64
	sum      time.Duration
	min, max time.Duration
}

func (s *frameStats) add(took time.Duration) {
	if s.n == 0 || took < s.min {
		s.min = took
	}
	if took > s.max {
		s.max = took
	}
	s.sum += took
	s.n++
}

type benchmark struct {
	Slowest      float64 `json:"slowest"`
	Fastest      float64 `json:"fastest"`
	Average      float64 `json:"average"`
	NumberOfRuns int     `json:"number_of_runs"`
}

func (s frameStats) benchmark() benchmark {
	if s.n == 0 {
		return benchmark{}
	}
	return benchmark{
		Slowest:      float64(s.max),
		Fastest:      float64(s.min),
		Average:      float64(time.Duration(int64(s.sum) / s.n)),
		NumberOfRuns: int(s.n),
	}
}

func runSummary(r results.Run) map[string]interface{} {
	return map[string]interface{}{
		"id":          r.ID,
		"source":      r.Source,
		"status":      string(r.Status),
		"frames":      r.Frames,
		"counts":      r.Counts.AsMap(),
		"total":       r.Total(),
		"started_at":  r.StartedAt.Format(time.RFC3339Nano),
		"finished_at": r.FinishedAt.Format(time.RFC3339Nano),
	}
}

func eventSummaries(events []tracker.CountingEvent) []interface{} {
	out := make([]interface{}, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]interface{}{
			"frame":    ev.Frame,
			"track_id": ev.TrackID,
			"category": string(ev.Category),
			"x":        ev.Centroid.X,
			"y":        ev.Centroid.Y,
			"count":    ev.Count,
		})
	}
	return out
}

// DoCommand exposes the tally of the current run and its bookkeeping.
// Supported keys: counts, events, tracks, track, benchmark, metrics, reset,
// history and latest.
func (vc *vehicleCounter) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["reset"] != nil {
		if err := vc.reset(); err != nil {
			return nil, err
		}
		out["reset"] = true
	}

	vc.mu.RLock()
	run, stats, store := vc.run, vc.stats, vc.store
	if run != nil {
		if cmd["counts"] != nil {
			counts := map[string]interface{}{
				"run_id": run.id,
				"status": string(run.status),
				"frames": run.frames,
				"counts": run.tally.AsMap(),
				"total":  run.tally.Total(),
			}
			if run.err != nil {
				counts["error"] = run.err.Error()
			}
			out["counts"] = counts
		}
		if cmd["events"] != nil {
			out["events"] = eventSummaries(run.events.Events())
		}
		if cmd["tracks"] != nil {
			out["tracks"] = trackSummaries(run.tracks)
		}
		if label, ok := cmd["track"].(string); ok {
			_, id, err := ParseTrackLabel(label)
			if err != nil {
				vc.mu.RUnlock()
				return nil, err
			}
			found := false
			for _, tr := range run.tracks {
				if tr.ID == id {
					out["track"] = trackSummaries([]tracker.Track{tr})[0]
					found = true
					break
				}
			}
			if !found {
				vc.mu.RUnlock()
				return nil, errors.Errorf("no live track %v", label)
			}
		}
	}
	vc.mu.RUnlock()

	if cmd["benchmark"] != nil {
		out["benchmark"] = stats.benchmark()
	}
	if cmd["history"] != nil {
		if store == nil {
			return nil, errors.New("no results_db configured")
		}
		limit := 10
		if l, ok := cmd["history"].(float64); ok && l > 0 {
			limit = int(l)
		}
		runs, err := store.ListRuns(ctx, vc.camName, limit)
		if err != nil {
			return nil, err
		}
		history := make([]interface{}, 0, len(runs))
		for _, r := range runs {
			history = append(history, runSummary(r))
		}
		out["history"] = history
	}
	if cmd["latest"] != nil {
		if store == nil {
			return nil, errors.New("no results_db configured")
		}
		latest, err := store.LatestRun(ctx, vc.camName)
		switch {
		case errors.Is(err, results.ErrNotFound):
			out["latest"] = nil
		case err != nil:
			return nil, err
		default:
			out["latest"] = runSummary(latest)
		}
	}
	if cmd["metrics"] != nil {
		metrics, err := gatherMetrics(vc.Name().Name)
		if err != nil {
			return nil, err
		}
		out["metrics"] = metrics
	}
	return out, nil
}
