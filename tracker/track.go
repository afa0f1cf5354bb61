package tracker

import (
	"image"
	"sort"
)

// Track is one physical object followed across consecutive frames.
type Track struct {
	ID          int
	Centroid    image.Point
	Box         image.Rectangle
	Category    Category
	Disappeared int
	Counted     bool
	FirstFrame  int
	LastFrame   int
}

// observation is a refined detection ready for association.
type observation struct {
	centroid image.Point
	box      image.Rectangle
	category Category
}

func centroidOf(bb image.Rectangle) image.Point {
	return image.Pt((bb.Min.X+bb.Max.X)/2, (bb.Min.Y+bb.Max.Y)/2)
}

// trackStore owns the live tracks of a single engine.
type trackStore struct {
	tracks         map[int]*Track
	nextID         int
	maxDisappeared int
}

func newTrackStore(maxDisappeared int) *trackStore {
	return &trackStore{
		tracks:         make(map[int]*Track),
		maxDisappeared: maxDisappeared,
	}
}

func (s *trackStore) len() int {
	return len(s.tracks)
}

// register starts a new uncounted track. Ids are never reused.
func (s *trackStore) register(obs observation, frame int) *Track {
	tr := &Track{
		ID:         s.nextID,
		Centroid:   obs.centroid,
		Box:        obs.box,
		Category:   obs.category,
		FirstFrame: frame,
		LastFrame:  frame,
	}
	s.tracks[tr.ID] = tr
	s.nextID++
	return tr
}

// update moves a track to its newest observation. The category stays frozen.
func (s *trackStore) update(tr *Track, obs observation, frame int) {
	tr.Centroid = obs.centroid
	tr.Box = obs.box
	tr.Disappeared = 0
	tr.LastFrame = frame
}

// age bumps the disappeared counter of every track not in seen and evicts
// those past the limit. It returns the evicted tracks.
func (s *trackStore) age(seen map[int]struct{}) []*Track {
	var evicted []*Track
	for _, tr := range s.ordered() {
		if _, ok := seen[tr.ID]; ok {
			continue
		}
		tr.Disappeared++
		if tr.Disappeared > s.maxDisappeared {
			delete(s.tracks, tr.ID)
			evicted = append(evicted, tr)
		}
	}
	return evicted
}

// ordered returns the live tracks sorted by id, oldest first.
func (s *trackStore) ordered() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, tr := range s.tracks {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *trackStore) snapshot() []Track {
	ordered := s.ordered()
	out := make([]Track, 0, len(ordered))
	for _, tr := range ordered {
		out = append(out, *tr)
	}
	return out
}
