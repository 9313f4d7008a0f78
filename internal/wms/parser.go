package wms

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/net/html/charset"
)

// bbox sources in increasing priority.
const (
	bboxNone = iota
	bboxPlain
	bboxLatLon
	bboxGeographic
)

const (
	north = iota
	south
	east
	west
)

// layerState is the working copy of a Layer element while it is open.
type layerState struct {
	layer       Layer
	crs         []string
	bbox        [4]*float64
	bboxRank    int
	hasChildren bool
}

// parser walks the token stream once, keeping only the open element stack
// and the open layers.
type parser struct {
	caps   *Capabilities
	stack  []xml.StartElement
	layers []*layerState
	text   strings.Builder
	// inGetMap is set while inside Request/GetMap (Request/Map in 1.0.0).
	inGetMap bool
}

func newParser() *parser {
	return &parser{caps: &Capabilities{}}
}

func (p *parser) parse(r io.Reader) (*Capabilities, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	sawRoot := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCapabilities, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !sawRoot {
				sawRoot = true
				v, err := ParseVersion(attr(t, "version"))
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidCapabilities, err)
				}
				p.caps.Version = v
			}
			p.text.Reset()
			p.start(t)
			p.stack = append(p.stack, t.Copy())
		case xml.CharData:
			p.text.Write(t)
		case xml.EndElement:
			if len(p.stack) == 0 {
				continue
			}
			el := p.stack[len(p.stack)-1]
			p.stack = p.stack[:len(p.stack)-1]
			p.end(el, strings.TrimSpace(p.text.String()))
			p.text.Reset()
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidCapabilities)
	}
	return p.caps, nil
}

// parent is the name of the innermost open element.
func (p *parser) parent() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1].Name.Local
}

func (p *parser) within(name string) bool {
	return lo.ContainsBy(p.stack, func(el xml.StartElement) bool { return el.Name.Local == name })
}

func (p *parser) current() *layerState {
	if len(p.layers) == 0 {
		return nil
	}
	return p.layers[len(p.layers)-1]
}

func (p *parser) start(t xml.StartElement) {
	name := t.Name.Local
	cur := p.current()

	switch name {
	case "Layer":
		p.caps.TotalLayerCount++
		if cur != nil {
			cur.hasChildren = true
		}
		st := &layerState{}
		st.layer.Queryable = attr(t, "queryable") == "1"
		st.layer.FixedWidth = atoi(attr(t, "fixedWidth"))
		st.layer.FixedHeight = atoi(attr(t, "fixedHeight"))
		p.layers = append(p.layers, st)

	case "GetMap", "Map":
		if p.parent() == "Request" {
			p.inGetMap = true
		}

	case "Get":
		// 1.0.0 carries the URL as an attribute on Get.
		if p.inGetMap && p.caps.MapURL == "" {
			p.caps.MapURL = attr(t, "onlineResource")
		}

	case "OnlineResource":
		href := attr(t, "href")
		switch {
		case p.inGetMap:
			if p.within("Get") && p.caps.MapURL == "" {
				p.caps.MapURL = href
			}
		case cur == nil:
		case p.parent() == "LegendURL" && p.within("Style"):
			if cur.layer.LegendURL == "" {
				cur.layer.LegendURL = href
			}
		case p.parent() == "DataURL":
			if cur.layer.DataURL == "" {
				cur.layer.DataURL = href
			}
		}

	case "LatLonBoundingBox":
		if cur != nil && p.parent() == "Layer" {
			cur.setBBox(bboxLatLon, attr(t, "maxy"), attr(t, "miny"), attr(t, "maxx"), attr(t, "minx"))
		}

	case "BoundingBox":
		if cur != nil && p.parent() == "Layer" {
			cur.setBBox(bboxPlain, attr(t, "maxy"), attr(t, "miny"), attr(t, "maxx"), attr(t, "minx"))
		}

	default:
		// 1.0.0 lists formats as empty child elements of Format.
		if p.inGetMap && p.parent() == "Format" {
			p.caps.Formats = append(p.caps.Formats, "image/"+strings.ToLower(name))
		}
	}
}

func (p *parser) end(el xml.StartElement, text string) {
	name := el.Name.Local
	cur := p.current()
	parent := p.parent()

	switch name {
	case "Name":
		switch {
		case parent == "Service":
			p.caps.ServiceName = text
		case cur == nil:
		case parent == "Layer":
			cur.layer.Name = text
		case parent == "Style" && cur.layer.Style == "":
			cur.layer.Style = text
		}

	case "Title":
		switch {
		case parent == "Service":
			p.caps.ServiceTitle = text
		case cur == nil:
		case parent == "Layer":
			cur.layer.Title = text
		case parent == "Attribution":
			cur.layer.Attribution = text
		}

	case "Abstract":
		switch {
		case parent == "Service":
			p.caps.ServiceAbstract = text
		case parent == "Layer" && cur != nil:
			cur.layer.Abstract = text
		}

	case "Format":
		if p.inGetMap && text != "" {
			p.caps.Formats = append(p.caps.Formats, text)
		}

	case "GetMap", "Map":
		if parent == "Request" {
			p.inGetMap = false
		}

	case "CRS", "SRS":
		if parent == "Layer" && cur != nil {
			cur.crs = append(cur.crs, strings.Fields(text)...)
		}

	case "westBoundLongitude", "eastBoundLongitude", "southBoundLatitude", "northBoundLatitude":
		if parent == "EX_GeographicBoundingBox" && cur != nil {
			cur.setGeographic(name, text)
		}

	case "Dimension", "Extent":
		// 1.1 declares the dimension empty and puts the values in Extent.
		if parent == "Layer" && cur != nil && text != "" && cur.layer.TimeDimension == "" &&
			strings.EqualFold(attr(el, "name"), "time") {
			cur.layer.TimeDimension = text
		}

	case "Layer":
		p.closeLayer()
	}
}

// closeLayer pops the innermost layer. Leaf layers inherit any unset CRS or
// bounding box edge from the nearest enclosing layer that has one and are
// appended to the document; container layers are not retained.
func (p *parser) closeLayer() {
	n := len(p.layers)
	if n == 0 {
		return
	}
	st := p.layers[n-1]
	p.layers = p.layers[:n-1]
	if st.hasChildren {
		return
	}

	crs := st.crs
	bbox := st.bbox
	for i := len(p.layers) - 1; i >= 0; i-- {
		anc := p.layers[i]
		if len(crs) == 0 {
			crs = anc.crs
		}
		for j := range bbox {
			if bbox[j] == nil {
				bbox[j] = anc.bbox[j]
			}
		}
	}

	l := st.layer
	l.CRS = pickCRS(crs)
	if bbox[north] != nil && bbox[south] != nil && bbox[east] != nil && bbox[west] != nil {
		l.BoundingBox = BoundingBox{North: *bbox[north], South: *bbox[south], East: *bbox[east], West: *bbox[west]}
	}
	p.caps.Layers = append(p.caps.Layers, &l)
}

func (st *layerState) setBBox(rank int, n, s, e, w string) {
	if rank <= st.bboxRank {
		return
	}
	vals := [4]string{n, s, e, w}
	var box [4]*float64
	for i, v := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return
		}
		box[i] = &f
	}
	st.bbox = box
	st.bboxRank = rank
}

func (st *layerState) setGeographic(name, text string) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return
	}
	if st.bboxRank < bboxGeographic {
		st.bbox = [4]*float64{}
		st.bboxRank = bboxGeographic
	}
	switch name {
	case "northBoundLatitude":
		st.bbox[north] = &f
	case "southBoundLatitude":
		st.bbox[south] = &f
	case "eastBoundLongitude":
		st.bbox[east] = &f
	case "westBoundLongitude":
		st.bbox[west] = &f
	}
}

// pickCRS prefers CRS:84, then EPSG:4326, else the first declared.
func pickCRS(crs []string) string {
	for _, want := range []string{"CRS:84", "EPSG:4326"} {
		if c, ok := lo.Find(crs, func(c string) bool { return strings.EqualFold(c, want) }); ok {
			return c
		}
	}
	if len(crs) > 0 {
		return crs[0]
	}
	return ""
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
