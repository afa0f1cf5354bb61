package tracker

import "github.com/pkg/errors"

// Settings are engine parameters as a user writes them: only the counting line
// (directly or through the frame height) is required.
type Settings struct {
	CountingLineY     *int
	FrameHeight       int
	DistanceThreshold *float64
	MaxDisappeared    *int
	Assignment        string
}

// Config resolves the settings into a validated Config. An explicit counting
// line wins over the frame height. Explicit values are never replaced by
// defaults, so a zero threshold is an error rather than 80.
func (s Settings) Config() (Config, error) {
	var cfg Config
	switch {
	case s.CountingLineY != nil:
		cfg = DefaultConfig(*s.CountingLineY)
	case s.FrameHeight > 0:
		cfg = DefaultConfig(CountingLineFromHeight(s.FrameHeight))
	case s.FrameHeight < 0:
		return Config{}, errors.Errorf("frame height must be positive, got %d", s.FrameHeight)
	default:
		return Config{}, errors.New("expected a counting line or a frame height")
	}
	if s.DistanceThreshold != nil {
		cfg.DistanceThreshold = *s.DistanceThreshold
	}
	if s.MaxDisappeared != nil {
		cfg.MaxDisappeared = *s.MaxDisappeared
	}
	if s.Assignment != "" {
		cfg.Assignment = AssignmentMode(s.Assignment)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
