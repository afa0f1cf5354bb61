// Package tracker implements the vehicle tracking and line-crossing counting engine.
// This file contains the rules that turn a raw detector label into a vehicle category.
package tracker

import (
	"strings"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// Raw categories understood by the refiner.
const (
	RawTwoWheeler = "two-wheeler"
	RawCar        = "car"
	RawBus        = "bus"
	RawTruck      = "truck"
	RawPedalCycle = "pedal-cycle"
)

const (
	// PremiumConfidence is the score above which a two-wheeler is counted as premium.
	PremiumConfidence = 0.6
	// ThreeWheelerMaxAspect is the width/height ratio below which a car is a three-wheeler.
	ThreeWheelerMaxAspect = 1.0
)

// rawAliases maps COCO detector labels onto the raw categories.
var rawAliases = map[string]string{
	"motorcycle": RawTwoWheeler,
	"motorbike":  RawTwoWheeler,
	"bicycle":    RawPedalCycle,
}

// IsRawCategory reports whether label, once normalized, is a raw category the
// refiner knows.
func IsRawCategory(label string) bool {
	switch NormalizeRawLabel(label) {
	case RawTwoWheeler, RawCar, RawBus, RawTruck, RawPedalCycle:
		return true
	}
	return false
}

// NormalizeRawLabel lower-cases the label, strips any "_suffix" added by
// upstream trackers and resolves COCO aliases.
func NormalizeRawLabel(label string) string {
	base := strings.ToLower(strings.TrimSpace(strings.Split(label, "_")[0]))
	if alias, ok := rawAliases[base]; ok {
		return alias
	}
	return base
}

// Refine maps a raw detection to its vehicle category. The second return value
// is false when the detection is not a vehicle we count.
// The two-wheeler and three-wheeler splits compensate for a detector that cannot
// tell those classes apart; they must be revisited if the detector's label set changes.
func Refine(det objdet.Detection) (Category, bool) {
	switch NormalizeRawLabel(det.Label()) {
	case RawTwoWheeler:
		if det.Score() > PremiumConfidence {
			return TwoWheelerPremium, true
		}
		return TwoWheelerStandard, true
	case RawCar:
		if aspectRatio(det) < ThreeWheelerMaxAspect {
			return ThreeWheeler, true
		}
		return Car, true
	case RawBus:
		return Bus, true
	case RawTruck:
		return Truck, true
	case RawPedalCycle:
		return PedalCycle, true
	default:
		return "", false
	}
}

// aspectRatio is width/height of the detection box. Callers must have checked
// the box is not degenerate.
func aspectRatio(det objdet.Detection) float64 {
	bb := det.BoundingBox()
	return float64(bb.Dx()) / float64(bb.Dy())
}
