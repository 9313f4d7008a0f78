package cache

import (
	"image"

	"imagery-timeloop/internal/overlay"
)

// State is the lifecycle of one cache key.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "absent"
	}
}

// Tile is the result of resolving a descriptor. Image is set only when
// State is StateReady; Err only when it is StateFailed.
type Tile struct {
	Descriptor overlay.Descriptor
	State      State
	Image      image.Image
	Format     string
	Path       string
	Err        error
}

// Ready reports whether the tile can be drawn.
func (t Tile) Ready() bool { return t.State == StateReady && t.Image != nil }
