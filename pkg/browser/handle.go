package browser

import (
	"dev/bravebird/browser-flow-go/pkg/models"
)

// ElementHandle is a short-lived reference to a resolved element. It is only
// valid for the session and navigation generation it was resolved in and must
// never be kept across page transitions.
type ElementHandle struct {
	Ref        ElementRef
	Selector   models.Selector
	SessionID  string
	Generation uint64
}

// NewHandle ties ref to the current generation of s.
func NewHandle(s *Session, sel models.Selector, ref ElementRef) *ElementHandle {
	return &ElementHandle{
		Ref:        ref,
		Selector:   sel,
		SessionID:  s.ID(),
		Generation: s.Generation(),
	}
}

// ValidFor reports whether the handle belongs to s and predates no navigation.
func (h *ElementHandle) ValidFor(s *Session) bool {
	return h != nil && h.SessionID == s.ID() && h.Generation == s.Generation()
}
