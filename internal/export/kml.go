// Package export writes loop sequences as KML ground overlays.
package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/timespan"
	"imagery-timeloop/internal/utils/naming"
)

const kmlNamespace = "http://www.opengis.net/kml/2.2"

// Options control href selection.
type Options struct {
	// SourceOnly links every image to its remote URL even when a cached copy
	// exists.
	SourceOnly bool
	// HrefFor overrides href selection when set.
	HrefFor func(d overlay.Descriptor) string
}

type kmlDoc struct {
	XMLName  xml.Name    `xml:"kml"`
	Xmlns    string      `xml:"xmlns,attr"`
	Document kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name           string          `xml:"name"`
	GroundOverlays []groundOverlay `xml:"GroundOverlay"`
	ScreenOverlay  *screenOverlay  `xml:"ScreenOverlay,omitempty"`
}

type groundOverlay struct {
	XMLName     xml.Name  `xml:"GroundOverlay"`
	Name        string    `xml:"name"`
	Description string    `xml:"description,omitempty"`
	TimeSpan    *timeSpan `xml:"TimeSpan,omitempty"`
	Icon        icon      `xml:"Icon"`
	LatLonBox   latLonBox `xml:"LatLonBox"`
}

type timeSpan struct {
	Begin string `xml:"begin"`
	End   string `xml:"end,omitempty"`
}

type icon struct {
	Href string `xml:"href"`
}

type latLonBox struct {
	North string `xml:"north"`
	South string `xml:"south"`
	East  string `xml:"east"`
	West  string `xml:"west"`
}

type vec2 struct {
	X      string `xml:"x,attr"`
	Y      string `xml:"y,attr"`
	XUnits string `xml:"xunits,attr"`
	YUnits string `xml:"yunits,attr"`
}

type screenOverlay struct {
	Name       string `xml:"name"`
	Icon       icon   `xml:"Icon"`
	OverlayXY  vec2   `xml:"overlayXY"`
	ScreenXY   vec2   `xml:"screenXY"`
	RotationXY vec2   `xml:"rotationXY"`
	Size       vec2   `xml:"size"`
}

// WriteFragment writes one GroundOverlay element per frame, without a
// document wrapper, for embedding in a larger KML file.
func WriteFragment(w io.Writer, seq *overlay.LoopSequence, opts Options) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	for _, g := range groundOverlays(seq, opts) {
		if err := enc.Encode(g); err != nil {
			return fmt.Errorf("failed to encode ground overlay: %w", err)
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteDocument writes a complete KML document for seq. The legend, when
// present, becomes a screen overlay in the lower left corner.
func WriteDocument(w io.Writer, seq *overlay.LoopSequence, opts Options) error {
	doc := kmlDoc{
		Xmlns: kmlNamespace,
		Document: kmlDocument{
			Name:           seq.Title,
			GroundOverlays: groundOverlays(seq, opts),
		},
	}
	if seq.Legend != nil {
		doc.Document.ScreenOverlay = &screenOverlay{
			Name:       "Legend",
			Icon:       icon{Href: href(*seq.Legend, opts)},
			OverlayXY:  vec2{X: "0", Y: "0", XUnits: "fraction", YUnits: "fraction"},
			ScreenXY:   vec2{X: "10", Y: "10", XUnits: "pixels", YUnits: "pixels"},
			RotationXY: vec2{X: "0", Y: "0", XUnits: "fraction", YUnits: "fraction"},
			Size:       vec2{X: "0", Y: "0", XUnits: "pixels", YUnits: "pixels"},
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode kml document: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFile writes a KML document to path atomically.
func WriteFile(path string, seq *overlay.LoopSequence, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".kml-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := WriteDocument(tmp, seq, opts); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func groundOverlays(seq *overlay.LoopSequence, opts Options) []groundOverlay {
	out := make([]groundOverlay, 0, len(seq.Frames))
	for i, d := range seq.Frames {
		g := groundOverlay{
			Name:        d.Name,
			Description: description(d),
			Icon:        icon{Href: href(d, opts)},
			LatLonBox: latLonBox{
				North: coord(d.BoundingBox.North),
				South: coord(d.BoundingBox.South),
				East:  coord(d.BoundingBox.East),
				West:  coord(d.BoundingBox.West),
			},
		}
		if timespan.IsInstant(d.Name) {
			g.TimeSpan = &timeSpan{Begin: d.Name}
			if i+1 < len(seq.Frames) && timespan.IsInstant(seq.Frames[i+1].Name) {
				g.TimeSpan.End = seq.Frames[i+1].Name
			}
		}
		out = append(out, g)
	}
	return out
}

// description names the layer and its extent.
func description(d overlay.Descriptor) string {
	b := d.BoundingBox
	extent := naming.FormatBBox(b.North, b.South, b.East, b.West)
	if d.Title == "" {
		return extent
	}
	return d.Title + " " + extent
}

// href is the cached file when it exists, else the source URL.
func href(d overlay.Descriptor, opts Options) string {
	if opts.HrefFor != nil {
		return opts.HrefFor(d)
	}
	if !opts.SourceOnly && d.CacheBasePath != "" {
		if _, err := os.Stat(d.Path()); err == nil {
			return (&url.URL{Scheme: "file", Path: filepath.ToSlash(d.Path())}).String()
		}
	}
	return d.SourceURL
}

func coord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
