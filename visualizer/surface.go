package visualizer

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
)

// Surface is a 2D drawing target.
type Surface interface {
	Size() (width, height int)
	Clear()
	VerticalLine(x float64, c color.Color)
	FillRect(x, y, w, h float64, c color.Color)
}

// Presenter is implemented by surfaces that want the finished frame.
type Presenter interface {
	Present()
}

// ImageSurface draws into an RGBA image. Completed frames are copied out
// and passed to OnFrame.
type ImageSurface struct {
	mu      sync.Mutex
	img     *image.RGBA
	OnFrame func(frame *image.RGBA)
}

func NewImageSurface(width, height int) *ImageSurface {
	return &ImageSurface{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

func (s *ImageSurface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *ImageSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, s.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

func (s *ImageSurface) VerticalLine(x float64, c color.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	px := int(math.Floor(x))
	r := image.Rect(px, 0, px+1, s.img.Bounds().Dy())
	draw.Draw(s.img, r, image.NewUniform(c), image.Point{}, draw.Over)
}

func (s *ImageSurface) FillRect(x, y, w, h float64, c color.Color) {
	if w <= 0 || h <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := image.Rect(
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(x+w)), int(math.Round(y+h)),
	)
	draw.Draw(s.img, r.Intersect(s.img.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

func (s *ImageSurface) Present() {
	if s.OnFrame == nil {
		return
	}
	s.OnFrame(s.Snapshot())
}

// Snapshot returns a copy of the current image.
func (s *ImageSurface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}
