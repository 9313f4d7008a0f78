// Package video renders a loop sequence into a standalone animation: an
// animated GIF or a Motion JPEG AVI.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/icza/mjpeg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrNoFrames is returned when there is nothing to animate.
var ErrNoFrames = errors.New("no frames to export")

// Frame is one decoded image of the animation.
type Frame struct {
	Name  string
	Image image.Image
}

// Options control rendering.
type Options struct {
	// Width and Height of the output. Zero uses the first frame's size.
	Width  int
	Height int
	// Delay is how long each frame is shown.
	Delay time.Duration
	// Label draws the frame name in the corner given by LabelPosition:
	// top-left, top-right, bottom-left or bottom-right.
	Label         bool
	LabelPosition string
	LabelColor    color.Color
	// Legend is drawn in the bottom left corner when set.
	Legend image.Image
	// Background fills transparent areas; frames are usually transparent
	// where the layer has no data.
	Background color.Color
	Quality    int
}

// DefaultOptions returns options for a labelled half-second loop.
func DefaultOptions() Options {
	return Options{
		Delay:         500 * time.Millisecond,
		Label:         true,
		LabelPosition: "bottom-right",
		LabelColor:    color.White,
		Background:    color.Black,
		Quality:       85,
	}
}

func (o Options) withDefaults(first image.Image) Options {
	def := DefaultOptions()
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = first.Bounds().Dx(), first.Bounds().Dy()
	}
	if o.Delay <= 0 {
		o.Delay = def.Delay
	}
	if o.LabelPosition == "" {
		o.LabelPosition = def.LabelPosition
	}
	if o.LabelColor == nil {
		o.LabelColor = def.LabelColor
	}
	if o.Background == nil {
		o.Background = def.Background
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = def.Quality
	}
	return o
}

// Export writes frames to path, choosing the container by extension:
// .gif or .avi.
func Export(path string, frames []Frame, opts Options) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".gif":
		return writeFile(path, func(w io.Writer) error { return WriteGIF(w, frames, opts) })
	case ".avi":
		return WriteMJPEG(path, frames, opts)
	default:
		return fmt.Errorf("unsupported animation format %q (supported: .gif, .avi)", ext)
	}
}

// WriteGIF encodes frames as an endlessly looping GIF.
func WriteGIF(w io.Writer, frames []Frame, opts Options) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	opts = opts.withDefaults(frames[0].Image)

	// GIF delays are in hundredths of a second.
	delay := int(opts.Delay / (10 * time.Millisecond))
	if delay < 1 {
		delay = 1
	}

	anim := &gif.GIF{Config: image.Config{Width: opts.Width, Height: opts.Height}}
	for _, f := range frames {
		rendered := Render(f, opts)
		p := image.NewPaletted(rendered.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(p, p.Bounds(), rendered, image.Point{})
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delay)
	}
	if err := gif.EncodeAll(w, anim); err != nil {
		return fmt.Errorf("failed to encode gif: %w", err)
	}
	return nil
}

// WriteMJPEG writes frames to an AVI file with Motion JPEG video.
func WriteMJPEG(path string, frames []Frame, opts Options) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	opts = opts.withDefaults(frames[0].Image)

	fps := int32(time.Second / opts.Delay)
	if fps < 1 {
		fps = 1
	}
	if fps > 30 {
		fps = 30
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	aw, err := mjpeg.New(path, int32(opts.Width), int32(opts.Height), fps)
	if err != nil {
		return fmt.Errorf("failed to create video writer: %w", err)
	}

	var buf bytes.Buffer
	for i, f := range frames {
		buf.Reset()
		if err := jpeg.Encode(&buf, Render(f, opts), &jpeg.Options{Quality: opts.Quality}); err != nil {
			aw.Close()
			return fmt.Errorf("failed to encode frame %d: %w", i, err)
		}
		if err := aw.AddFrame(buf.Bytes()); err != nil {
			aw.Close()
			return fmt.Errorf("failed to add frame %d: %w", i, err)
		}
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("failed to finish video: %w", err)
	}
	return nil
}

// Render draws one frame at the output size with its label and legend.
func Render(f Frame, opts Options) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(opts.Background), image.Point{}, draw.Src)
	if f.Image != nil {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), f.Image, f.Image.Bounds(), draw.Over, nil)
	}
	if opts.Legend != nil {
		drawLegend(dst, opts.Legend)
	}
	if opts.Label && f.Name != "" {
		drawLabel(dst, f.Name, opts)
	}
	return dst
}

const padding = 8

func drawLegend(dst *image.RGBA, legend image.Image) {
	lb := legend.Bounds()
	w, h := lb.Dx(), lb.Dy()
	maxW, maxH := dst.Bounds().Dx()/3, dst.Bounds().Dy()/3
	if w > maxW || h > maxH {
		scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
		w, h = max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	}
	r := image.Rect(padding, dst.Bounds().Dy()-padding-h, padding+w, dst.Bounds().Dy()-padding)
	draw.ApproxBiLinear.Scale(dst, r, legend, lb, draw.Over, nil)
}

func drawLabel(dst *image.RGBA, text string, opts Options) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Face: face}
	width := d.MeasureString(text).Ceil()
	ascent := face.Metrics().Ascent.Ceil()

	x, y := opts.Width-width-padding, opts.Height-padding
	switch opts.LabelPosition {
	case "top-left":
		x, y = padding, padding+ascent
	case "top-right":
		y = padding + ascent
	case "bottom-left":
		x = padding
	}

	d.Src = image.NewUniform(color.RGBA{A: 180})
	d.Dot = fixed.P(x+1, y+1)
	d.DrawString(text)
	d.Src = image.NewUniform(opts.LabelColor)
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
