// Package overlay turns a WMS layer and its time instants into the ordered
// frame descriptors that the cache resolves and the loop controller plays.
package overlay

import (
	"imagery-timeloop/internal/utils/naming"
	"imagery-timeloop/internal/wms"
)

// Descriptor identifies one overlay image. CacheKey is its only identity:
// the same key always maps to the same file under CacheBasePath.
type Descriptor struct {
	CacheKey      string          `json:"cacheKey"`
	Name          string          `json:"name"`
	Title         string          `json:"title"`
	SourceURL     string          `json:"sourceUrl"`
	BoundingBox   wms.BoundingBox `json:"boundingBox"`
	FileExtension string          `json:"fileExtension"`
	CacheBasePath string          `json:"-"`
}

// Path is the descriptor's file in the disk tier.
func (d Descriptor) Path() string {
	return naming.DiskPath(d.CacheBasePath, d.CacheKey)
}

// Overlay is either a SingleOverlay or a *LoopSequence.
type Overlay interface {
	// Descriptors lists every image the overlay needs, legend last.
	Descriptors() []Descriptor
	isOverlay()
}

// SingleOverlay is a layer without a time dimension.
type SingleOverlay struct {
	Descriptor
	Legend *Descriptor
}

func (s SingleOverlay) Descriptors() []Descriptor {
	out := []Descriptor{s.Descriptor}
	if s.Legend != nil {
		out = append(out, *s.Legend)
	}
	return out
}

func (SingleOverlay) isOverlay() {}

// LoopSequence is the ordered frame list of an animated overlay plus an
// optional legend shown for the whole sequence.
type LoopSequence struct {
	Title  string       `json:"title"`
	Frames []Descriptor `json:"frames"`
	Legend *Descriptor  `json:"legend,omitempty"`
}

func (s *LoopSequence) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(s.Frames)+1)
	out = append(out, s.Frames...)
	if s.Legend != nil {
		out = append(out, *s.Legend)
	}
	return out
}

func (*LoopSequence) isOverlay() {}

// Len returns the number of frames.
func (s *LoopSequence) Len() int { return len(s.Frames) }

// AsSequence returns o as a sequence; a SingleOverlay becomes a one-frame loop.
func AsSequence(o Overlay) *LoopSequence {
	switch v := o.(type) {
	case *LoopSequence:
		return v
	case SingleOverlay:
		return &LoopSequence{Title: v.Title, Frames: []Descriptor{v.Descriptor}, Legend: v.Legend}
	default:
		return nil
	}
}
