package wasm

import (
	"context"
	"os"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Camera produces one JPEG-encoded frame per capture.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// NewCamera builds the default camera from the configured device. A bare
// index N maps to /dev/videoN; anything else is treated as a path. The
// source must yield a complete JPEG frame per read, which V4L2 devices in
// MJPEG mode and frame FIFOs fed by an external capturer both do.
func NewCamera(device string) Camera {
	path := device
	if n, err := strconv.Atoi(device); err == nil {
		path = "/dev/video" + strconv.Itoa(n)
	}
	return &frameCamera{path: path}
}

type frameCamera struct {
	path string
}

func (c *frameCamera) Capture(ctx context.Context) ([]byte, error) {
	frame, err := os.ReadFile(c.path)
	if err != nil {
		return nil, errors.Wrapf(err, "capturing frame from %q", c.path)
	}
	if len(frame) == 0 {
		return nil, errors.Errorf("camera source %q produced an empty frame", c.path)
	}
	return frame, nil
}

// unavailableCamera backs the camera imports when no camera is configured.
type unavailableCamera struct{}

func (unavailableCamera) Capture(context.Context) ([]byte, error) {
	return nil, errors.Wrap(errdefs.ErrUnavailable, "no camera configured")
}
