package search

import "roomchat/backend/internal/serializer"

// SetApply replaces the commit applier so tests can inject index failures.
func (s *Synchronizer) SetApply(fn func(serializer.Commit) error) {
	s.apply = fn
}
