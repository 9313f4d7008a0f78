// Package wms models a WMS server's GetCapabilities document: the service
// block, the GetMap request template and the renderable layers.
package wms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ErrInvalidCapabilities is returned when a capabilities document cannot be
// parsed or fails validation. Nothing from a failed document is exposed.
var ErrInvalidCapabilities = errors.New("invalid capabilities")

// Version is a WMS protocol version such as 1.3.0.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses "X.Y.Z"; missing minor or patch components default to 0.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return v, fmt.Errorf("bad version %q", s)
	}
	dst := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("bad version %q", s)
		}
		*dst[i] = n
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// BoundingBox is a geographic extent in decimal degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Valid reports whether the box is non-empty and inside lat/lon limits.
func (b BoundingBox) Valid() bool {
	return b.North > b.South && b.East > b.West &&
		b.North <= 90 && b.South >= -90 && b.East <= 180 && b.West >= -180
}

// Capabilities is the parsed, validated content of a capabilities document.
type Capabilities struct {
	ServiceName     string
	ServiceTitle    string
	ServiceAbstract string
	Version         Version

	// MapURL is the GetMap submission URL and Formats its output formats
	// in document order.
	MapURL  string
	Formats []string

	Layers []*Layer

	// TotalLayerCount counts every Layer element in the document, container
	// layers and the ones dropped by validation included.
	TotalLayerCount int
}

// DefaultFormat is the first advertised GetMap format.
func (c *Capabilities) DefaultFormat() string {
	if len(c.Formats) == 0 {
		return ""
	}
	return c.Formats[0]
}

// Layer looks up a retained layer by name.
func (c *Capabilities) Layer(name string) (*Layer, bool) {
	return lo.Find(c.Layers, func(l *Layer) bool { return l.Name == name })
}

// Layer describes one renderable layer. Layers are immutable after parsing.
type Layer struct {
	Name          string      `json:"name"`
	Title         string      `json:"title"`
	Abstract      string      `json:"abstract,omitempty"`
	BoundingBox   BoundingBox `json:"boundingBox"`
	CRS           string      `json:"crs"`
	Style         string      `json:"style,omitempty"`
	TimeDimension string      `json:"timeDimension,omitempty"`
	LegendURL     string      `json:"legendUrl,omitempty"`
	Attribution   string      `json:"attribution,omitempty"`
	DataURL       string      `json:"dataUrl,omitempty"`
	Queryable     bool        `json:"queryable"`
	FixedWidth    int         `json:"fixedWidth,omitempty"`
	FixedHeight   int         `json:"fixedHeight,omitempty"`

	caps *Capabilities
}

// Capabilities returns the document the layer belongs to.
func (l *Layer) Capabilities() *Capabilities { return l.caps }

// HasTime reports whether the layer declares a time dimension.
func (l *Layer) HasTime() bool { return strings.TrimSpace(l.TimeDimension) != "" }

// DisplayName is the title, or the name when the layer has no title.
func (l *Layer) DisplayName() string {
	if l.Title != "" {
		return l.Title
	}
	return l.Name
}

// validate drops incomplete layers and rejects documents that cannot be
// used to build requests.
func (c *Capabilities) validate() error {
	if c.Version.Major != 1 {
		return fmt.Errorf("%w: unsupported version %s", ErrInvalidCapabilities, c.Version)
	}
	if c.MapURL == "" {
		return fmt.Errorf("%w: no GetMap request URL", ErrInvalidCapabilities)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("%w: no service name", ErrInvalidCapabilities)
	}
	c.Layers = lo.Filter(c.Layers, func(l *Layer, _ int) bool {
		return l.Name != "" && l.CRS != "" && l.BoundingBox.Valid()
	})
	for _, l := range c.Layers {
		l.caps = c
	}
	return nil
}

// FetchCapabilities downloads and parses a capabilities document. A
// GetCapabilities query is added when the URL has no request parameter.
func FetchCapabilities(ctx context.Context, client *http.Client, rawURL string) (*Capabilities, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := CapabilitiesURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch capabilities: HTTP %d", resp.StatusCode)
	}
	return Parse(resp.Body)
}

// LoadCapabilities reads a capabilities document from an http(s) URL or a
// local file.
func LoadCapabilities(ctx context.Context, client *http.Client, source string) (*Capabilities, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return FetchCapabilities(ctx, client, source)
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open capabilities: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// CapabilitiesURL adds service=WMS&request=GetCapabilities to a server URL
// that does not already name a request.
func CapabilitiesURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid capabilities URL: %w", err)
	}
	q := u.Query()
	for k := range q {
		if strings.EqualFold(k, "request") {
			return rawURL, nil
		}
	}
	q.Set("service", "WMS")
	q.Set("request", "GetCapabilities")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Parse reads and validates a capabilities document.
func Parse(r io.Reader) (*Capabilities, error) {
	caps, err := newParser().parse(r)
	if err != nil {
		return nil, err
	}
	if err := caps.validate(); err != nil {
		return nil, err
	}
	return caps, nil
}
