// Package hal holds the ports the kernel runs on and the host-side devices
// the simulator uses: the goroutine-backed Host port, external interrupt
// lines, a framebuffer and the headless and window runners.
package hal

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// WindowConfig controls the desktop window of RunWindow.
type WindowConfig struct {
	Title string
	// Scale is the integer zoom of the window. Defaults to 2.
	Scale int
	// TPS is the step rate. Defaults to 60.
	TPS int
}
