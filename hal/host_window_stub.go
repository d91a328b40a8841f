//go:build !tinygo && !cgo

package hal

import "errors"

func RunWindow(_ Framebuffer, _ func() error, _ WindowConfig) error {
	return errors.New("window mode requires cgo (build/run with CGO_ENABLED=1)")
}
