package wms

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// DefaultWidth is the image width requested when a layer has no fixed size.
const DefaultWidth = 512

// RequestOptions tune a GetMap request. Zero values fall back to the layer's
// fixed size and the server's default format.
type RequestOptions struct {
	Format      string
	Width       int
	Height      int
	Time        string
	Transparent bool
}

var unescape = strings.NewReplacer("%3A", ":", "%2F", "/", "%2C", ",")

// escape query-escapes a value but leaves ':', '/' and ',' readable so time
// instants, CRS ids and bounding boxes appear verbatim.
func escape(s string) string {
	return unescape.Replace(url.QueryEscape(s))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Size returns the image size for a request: explicit values first, then the
// layer's fixed size, then DefaultWidth with a height matching the bounding
// box aspect ratio.
func (l *Layer) Size(width, height int) (int, int) {
	if width <= 0 {
		width = l.FixedWidth
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = l.FixedHeight
	}
	if height <= 0 {
		b := l.BoundingBox
		if dx := b.East - b.West; dx > 0 {
			height = int(math.Round(float64(width) * (b.North - b.South) / dx))
		}
		height = max(height, 1)
	}
	return width, height
}

// BuildRequestURL returns the GetMap URL for the whole layer extent.
func (l *Layer) BuildRequestURL(format string) string {
	return l.RequestURL(RequestOptions{Format: format})
}

// RequestURL returns a GetMap URL with parameters in a fixed order:
// service, request, version, layers, bbox, width, height, crs or srs, styles,
// format, transparent, time.
func (l *Layer) RequestURL(opts RequestOptions) string {
	var (
		base    string
		version Version
		format  = opts.Format
	)
	if l.caps != nil {
		base = l.caps.MapURL
		version = l.caps.Version
		if format == "" {
			format = l.caps.DefaultFormat()
		}
	}
	width, height := l.Size(opts.Width, opts.Height)
	b := l.BoundingBox

	var sb strings.Builder
	sb.WriteString(base)
	switch {
	case !strings.Contains(base, "?"):
		sb.WriteByte('?')
	case !strings.HasSuffix(base, "?") && !strings.HasSuffix(base, "&"):
		sb.WriteByte('&')
	}

	sb.WriteString("service=WMS&request=GetMap")
	sb.WriteString("&version=" + version.String())
	sb.WriteString("&layers=" + escape(l.Name))
	sb.WriteString("&bbox=" + formatFloat(b.West) + "," + formatFloat(b.South) + "," + formatFloat(b.East) + "," + formatFloat(b.North))
	sb.WriteString("&width=" + strconv.Itoa(width))
	sb.WriteString("&height=" + strconv.Itoa(height))
	if l.CRS != "" {
		key := "srs"
		if version.AtLeast(1, 3) {
			key = "crs"
		}
		sb.WriteString("&" + key + "=" + escape(l.CRS))
	}
	if l.Style != "" {
		sb.WriteString("&styles=" + escape(l.Style))
	}
	sb.WriteString("&format=" + escape(format))
	if opts.Transparent {
		sb.WriteString("&transparent=TRUE")
	}
	if opts.Time != "" {
		sb.WriteString("&time=" + escape(opts.Time))
	}
	return sb.String()
}
