package annotation

import (
	"strconv"
	"sync"

	"github.com/andresmejia3/segbox/internal/types"
)

// Canceler is notified when boxes disappear so outstanding jobs can be dropped.
// The store calls it after releasing its own lock.
type Canceler interface {
	CancelAll(reason string)
	CancelBox(boxID int, reason string)
}

// Store holds the ordered boxes drawn on the current image.
type Store struct {
	mu         sync.RWMutex
	image      *types.Image
	boxes      []types.BoundingBox
	nextID     int
	generation uint64
	canceler   Canceler
}

func New() *Store {
	return &Store{nextID: 1}
}

// SetCanceler wires the job scheduler in. It is set once during session setup.
func (s *Store) SetCanceler(c Canceler) {
	s.mu.Lock()
	s.canceler = c
	s.mu.Unlock()
}

// Add commits a normalized box and assigns it the next id for this image.
func (s *Store) Add(r types.Rect) types.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := types.BoundingBox{ID: s.nextID, Label: types.BoxLabel(s.nextID), Rect: r.Normalize()}
	s.nextID++
	s.boxes = append(s.boxes, box)
	return box
}

// AddTo commits a box only if the image of the given generation is still current.
func (s *Store) AddTo(generation uint64, r types.Rect) (types.BoundingBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.image == nil || generation != s.generation {
		return types.BoundingBox{}, &types.StateError{What: "image", ID: strconv.FormatUint(generation, 10)}
	}
	box := types.BoundingBox{ID: s.nextID, Label: types.BoxLabel(s.nextID), Rect: r.Normalize()}
	s.nextID++
	s.boxes = append(s.boxes, box)
	return box, nil
}

// List returns a copy of the boxes in drawing order.
func (s *Store) List() []types.BoundingBox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.BoundingBox, len(s.boxes))
	copy(out, s.boxes)
	return out
}

func (s *Store) Get(id int) (types.BoundingBox, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id)
}

func (s *Store) findLocked(id int) (types.BoundingBox, bool) {
	for _, b := range s.boxes {
		if b.ID == id {
			return b, true
		}
	}
	return types.BoundingBox{}, false
}

// Remove deletes one box and cancels its jobs. Ids are never handed out again.
func (s *Store) Remove(id int) bool {
	s.mu.Lock()
	idx := -1
	for i, b := range s.boxes {
		if b.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return false
	}
	s.boxes = append(s.boxes[:idx], s.boxes[idx+1:]...)
	c := s.canceler
	s.mu.Unlock()

	if c != nil {
		c.CancelBox(id, "box "+strconv.Itoa(id)+" removed")
	}
	return true
}

// Clear empties the store and cancels every outstanding job.
func (s *Store) Clear(reason string) {
	s.mu.Lock()
	s.boxes = nil
	c := s.canceler
	s.mu.Unlock()

	if c != nil {
		c.CancelAll(reason)
	}
}

// ReplaceImage swaps the image, drops all boxes and starts a new id sequence.
func (s *Store) ReplaceImage(img types.Image) uint64 {
	s.mu.Lock()
	s.image = &img
	s.boxes = nil
	s.nextID = 1
	s.generation++
	gen := s.generation
	c := s.canceler
	s.mu.Unlock()

	if c != nil {
		c.CancelAll("image replaced")
	}
	return gen
}

// Image returns the current image, if one is loaded.
func (s *Store) Image() (types.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.image == nil {
		return types.Image{}, false
	}
	return *s.image, true
}

// Generation identifies the current image; it changes on every ReplaceImage.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Lookup resolves a box on the current image together with that image.
func (s *Store) Lookup(boxID int) (types.BoundingBox, types.Image, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.image == nil {
		return types.BoundingBox{}, types.Image{}, 0, &types.StateError{What: "image", ID: "current"}
	}
	box, ok := s.findLocked(boxID)
	if !ok {
		return types.BoundingBox{}, types.Image{}, 0, &types.StateError{What: "box", ID: strconv.Itoa(boxID)}
	}
	return box, *s.image, s.generation, nil
}

// Resolve reports whether boxID still exists on the image of the given generation.
func (s *Store) Resolve(generation uint64, boxID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if generation != s.generation {
		return false
	}
	_, ok := s.findLocked(boxID)
	return ok
}
