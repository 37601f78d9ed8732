package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFrameCameraReadsSource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "frame.jpg")
	assert.NilError(t, os.WriteFile(source, jpegFrame, 0o644))

	cam := NewCamera(source)
	frame, err := cam.Capture(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, jpegFrame)
}

func TestFrameCameraMissingSource(t *testing.T) {
	cam := NewCamera(filepath.Join(t.TempDir(), "nope"))
	_, err := cam.Capture(context.Background())
	assert.Check(t, err != nil)
}

func TestFrameCameraEmptySource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "empty")
	assert.NilError(t, os.WriteFile(source, nil, 0o644))

	cam := NewCamera(source)
	_, err := cam.Capture(context.Background())
	assert.Check(t, err != nil)
}

func TestCameraIndexMapsToDevicePath(t *testing.T) {
	cam := NewCamera("2").(*frameCamera)
	assert.Equal(t, cam.path, "/dev/video2")

	cam = NewCamera("/srv/frames/latest.jpg").(*frameCamera)
	assert.Equal(t, cam.path, "/srv/frames/latest.jpg")
}
