// Package capture produces JPEG frames from a camera, a video file or a
// directory of stills. Sources are pull-based: the session asks for the
// next frame when it is ready for one.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrDeviceUnavailable means the source could not be opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrFrameRead means an open source failed to deliver a frame.
	ErrFrameRead = errors.New("frame read failed")
)

// Source yields encoded frames. Next returns io.EOF when a finite source is
// exhausted. Close is idempotent.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

var stillExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// DirSource replays the images of a directory in name order.
type DirSource struct {
	paths  []string
	next   int
	closed bool
}

// OpenDir lists the images in dir. An empty or missing directory is unavailable.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && stillExts[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrDeviceUnavailable, dir)
	}
	sort.Strings(paths)
	return &DirSource{paths: paths}, nil
}

func (d *DirSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.closed {
		return nil, fmt.Errorf("%w: source closed", ErrFrameRead)
	}
	if d.next >= len(d.paths) {
		return nil, io.EOF
	}
	path := d.paths[d.next]
	d.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	return data, nil
}

func (d *DirSource) Close() error {
	d.closed = true
	return nil
}

// Len is the number of frames the directory holds.
func (d *DirSource) Len() int { return len(d.paths) }
