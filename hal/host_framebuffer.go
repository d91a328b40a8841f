//go:build !tinygo

package hal

import "sync"

// hostFramebuffer is double buffered. Drawing goes to the back buffer that
// Buffer returns, and Present publishes it as the frame the window shows.
type hostFramebuffer struct {
	width  int
	height int
	stride int
	back   []byte

	mu     sync.Mutex
	front  []byte
	frames uint64
}

// NewFramebuffer returns an RGB565 framebuffer in host memory. A size that is
// not positive falls back to 320x240.
func NewFramebuffer(width, height int) Framebuffer {
	if width <= 0 || height <= 0 {
		width, height = 320, 240
	}
	stride := width * 2
	return &hostFramebuffer{
		width:  width,
		height: height,
		stride: stride,
		back:   make([]byte, stride*height),
		front:  make([]byte, stride*height),
	}
}

func (f *hostFramebuffer) Width() int          { return f.width }
func (f *hostFramebuffer) Height() int         { return f.height }
func (f *hostFramebuffer) Format() PixelFormat { return PixelFormatRGB565 }
func (f *hostFramebuffer) StrideBytes() int    { return f.stride }
func (f *hostFramebuffer) Buffer() []byte      { return f.back }

// Present publishes the back buffer.
func (f *hostFramebuffer) Present() error {
	f.mu.Lock()
	copy(f.front, f.back)
	f.frames++
	f.mu.Unlock()
	return nil
}

// ClearRGB fills the back buffer.
func (f *hostFramebuffer) ClearRGB(r, g, b uint8) {
	pixel := RGB565(r, g, b)
	lo := byte(pixel)
	hi := byte(pixel >> 8)
	for i := 0; i < len(f.back); i += 2 {
		f.back[i] = lo
		f.back[i+1] = hi
	}
}

// snapshot copies the last presented frame of fb. Framebuffers other than the
// host's have no front buffer and are copied as they are.
func snapshot(fb Framebuffer, dst []byte) uint64 {
	hf, ok := fb.(*hostFramebuffer)
	if !ok {
		copy(dst, fb.Buffer())
		return 0
	}
	hf.mu.Lock()
	defer hf.mu.Unlock()
	copy(dst, hf.front)
	return hf.frames
}
