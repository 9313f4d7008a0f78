package overlay

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"imagery-timeloop/internal/timespan"
	"imagery-timeloop/internal/utils/naming"
	"imagery-timeloop/internal/wms"
)

// ErrNoInstants is returned when a time-enabled layer expands to nothing.
var ErrNoInstants = errors.New("no time instants")

// LegendFrameName is the frame name used for a layer's legend image.
const LegendFrameName = "legend"

// Builder creates overlays for layers of one capabilities document.
type Builder struct {
	// CacheRoot is the disk cache root every descriptor points at.
	CacheRoot string
	// Format is the requested image format; empty uses the server default.
	Format      string
	Width       int
	Height      int
	Transparent bool
}

// Build returns a SingleOverlay for a layer without time, or a
// *LoopSequence with one frame per instant. When instants is nil the layer's
// own time dimension is expanded.
func (b *Builder) Build(layer *wms.Layer, instants []string) (Overlay, error) {
	if layer == nil {
		return nil, fmt.Errorf("nil layer")
	}
	format := b.Format
	if format == "" && layer.Capabilities() != nil {
		format = layer.Capabilities().DefaultFormat()
	}
	ext := ExtensionFor(format)
	title := layer.DisplayName()
	legend := b.legend(layer)

	if instants == nil {
		if !layer.HasTime() {
			d := b.frame(layer, title, "", format, ext)
			return SingleOverlay{Descriptor: d, Legend: legend}, nil
		}
		expanded, err := timespan.Expand(layer.TimeDimension)
		if err != nil {
			return nil, fmt.Errorf("failed to expand time dimension of %s: %w", layer.Name, err)
		}
		instants = expanded
	}

	instants = lo.Uniq(lo.Compact(lo.Map(instants, func(s string, _ int) string { return strings.TrimSpace(s) })))
	if len(instants) == 0 {
		return nil, fmt.Errorf("%w for layer %s", ErrNoInstants, layer.Name)
	}

	seq := &LoopSequence{Title: title, Legend: legend}
	for _, inst := range instants {
		seq.Frames = append(seq.Frames, b.frame(layer, title, inst, format, ext))
	}
	return seq, nil
}

func (b *Builder) frame(layer *wms.Layer, title, instant, format, ext string) Descriptor {
	name := instant
	if name == "" {
		name = title
	}
	return Descriptor{
		CacheKey: naming.CacheKey(title, instant, ext),
		Name:     name,
		Title:    title,
		SourceURL: layer.RequestURL(wms.RequestOptions{
			Format:      format,
			Width:       b.Width,
			Height:      b.Height,
			Time:        instant,
			Transparent: b.Transparent,
		}),
		BoundingBox:   layer.BoundingBox,
		FileExtension: ext,
		CacheBasePath: b.CacheRoot,
	}
}

// legend describes the layer's legend image, or nil when there is none.
func (b *Builder) legend(layer *wms.Layer) *Descriptor {
	if layer.LegendURL == "" {
		return nil
	}
	ext := ".png"
	if u, err := url.Parse(layer.LegendURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" {
			ext = e
		}
		if f := u.Query().Get("format"); f != "" {
			ext = ExtensionFor(f)
		}
	}
	title := layer.DisplayName()
	return &Descriptor{
		CacheKey:      naming.CacheKey(title, LegendFrameName, ext),
		Name:          LegendFrameName,
		Title:         title + " legend",
		SourceURL:     layer.LegendURL,
		FileExtension: ext,
		CacheBasePath: b.CacheRoot,
	}
}

// ExtensionFor maps an image MIME type to a file extension, ignoring
// parameters such as "; mode=8bit". Unknown types map to ".img".
func ExtensionFor(format string) string {
	mediaType, _, err := mime.ParseMediaType(format)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(format))
	}
	if m := mimetype.Lookup(mediaType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".img"
}
