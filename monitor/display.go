package monitor

import (
	"image/color"

	"kestrel/hal"

	"tinygo.org/x/drivers"
)

// fbDisplay is a drivers.Displayer over a horizontal band of a framebuffer.
// It draws into its own RGB565 memory and copies it to the band on Display.
// SetScroll selects the memory row shown at the top of the band, the way a
// display controller's vertical scroll does.
type fbDisplay struct {
	fb     hal.Framebuffer
	top    int
	width  int
	height int
	scroll int
	vram   []byte
}

func newFBDisplay(fb hal.Framebuffer, top, height int) *fbDisplay {
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return &fbDisplay{}
	}
	top = clampInt(top, 0, fb.Height())
	height = clampInt(height, 0, fb.Height()-top)
	return &fbDisplay{
		fb:     fb,
		top:    top,
		width:  fb.Width(),
		height: height,
		vram:   make([]byte, fb.Width()*height*2),
	}
}

func (d *fbDisplay) Size() (x, y int16) {
	return int16(d.width), int16(d.height)
}

func (d *fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	ix := int(x)
	iy := int(y)
	if ix < 0 || ix >= d.width || iy < 0 || iy >= d.height {
		return
	}
	pixel := hal.RGB565(c.R, c.G, c.B)
	off := (iy*d.width + ix) * 2
	d.vram[off] = byte(pixel)
	d.vram[off+1] = byte(pixel >> 8)
}

func (d *fbDisplay) Display() error {
	if d.fb == nil || d.height == 0 {
		return nil
	}
	buf := d.fb.Buffer()
	stride := d.fb.StrideBytes()
	rowBytes := d.width * 2
	if rowBytes > stride {
		rowBytes = stride
	}
	for row := 0; row < d.height; row++ {
		src := ((row + d.scroll) % d.height) * d.width * 2
		dst := (d.top + row) * stride
		if dst+rowBytes > len(buf) {
			break
		}
		copy(buf[dst:dst+rowBytes], d.vram[src:src+rowBytes])
	}
	return d.fb.Present()
}

func (d *fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	x0 := clampInt(int(x), 0, d.width)
	y0 := clampInt(int(y), 0, d.height)
	x1 := clampInt(int(x)+int(width), 0, d.width)
	y1 := clampInt(int(y)+int(height), 0, d.height)
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	pixel := hal.RGB565(c.R, c.G, c.B)
	lo := byte(pixel)
	hi := byte(pixel >> 8)
	for py := y0; py < y1; py++ {
		row := py * d.width * 2
		for px := x0; px < x1; px++ {
			off := row + px*2
			d.vram[off] = lo
			d.vram[off+1] = hi
		}
	}
	return nil
}

func (d *fbDisplay) SetScroll(line int16) {
	if d.height == 0 {
		return
	}
	d.scroll = ((int(line) % d.height) + d.height) % d.height
}

func (d *fbDisplay) SetRotation(rotation drivers.Rotation) error {
	_ = rotation
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
