package shape

import (
	"cmp"
	"slices"
)

// Store is the id -> shape index of a replica. Reads return copies so callers
// may iterate while the store changes. Store is not safe for concurrent use.
type Store struct {
	shapes map[ID]Shape
}

func NewStore() *Store {
	return &Store{shapes: make(map[ID]Shape)}
}

func (s *Store) Get(id ID) (Shape, bool) {
	sh, ok := s.shapes[id]
	if !ok {
		return Shape{}, false
	}
	return sh.Clone(), true
}

// Put inserts or replaces a shape. Only the merge engine calls Put.
func (s *Store) Put(sh Shape) {
	s.shapes[sh.ID] = sh.Clone()
}

// Remove deletes a shape. Only the merge engine calls Remove.
func (s *Store) Remove(id ID) {
	delete(s.shapes, id)
}

func (s *Store) Has(id ID) bool {
	_, ok := s.shapes[id]
	return ok
}

func (s *Store) Len() int {
	return len(s.shapes)
}

// All returns every shape ordered by the stamp of its first Add.
func (s *Store) All() []Shape {
	out := make([]Shape, 0, len(s.shapes))
	for _, sh := range s.shapes {
		out = append(out, sh.Clone())
	}
	slices.SortFunc(out, func(a, b Shape) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
