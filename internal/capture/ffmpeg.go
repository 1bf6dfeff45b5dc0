package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// DeviceConfig describes an ffmpeg input. Format is the ffmpeg demuxer
// ("v4l2", "avfoundation", "dshow"); leave it empty for a video file.
type DeviceConfig struct {
	Device   string
	Format   string
	Width    int
	Height   int
	FPS      int
	Realtime bool // pace file input at its native rate
	Live     bool // a camera: a clean ffmpeg exit means the device went away
}

// Args builds the ffmpeg command line that writes MJPEG frames to stdout.
func (c DeviceConfig) Args() []string {
	// -hide_banner and -loglevel error keep the stderr buffer small
	args := []string{"-hide_banner", "-loglevel", "error"}
	if c.Realtime {
		args = append(args, "-re")
	}
	if c.Format != "" {
		args = append(args, "-f", c.Format)
		if c.Width > 0 && c.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
		}
		if c.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(c.FPS))
		}
	}
	args = append(args, "-i", c.Device)
	if c.Format == "" && c.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(c.FPS))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// FFmpegSource reads frames from an ffmpeg child process.
type FFmpegSource struct {
	cmd     *utils.SafeCommand
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	pending []byte
	cancel  context.CancelFunc
	live    bool

	closeOnce sync.Once
	closeErr  error
}

// OpenDevice starts ffmpeg and waits for the first frame, so a missing
// camera or unreadable file fails here with ErrDeviceUnavailable.
func OpenDevice(ctx context.Context, cfg DeviceConfig) (*FFmpegSource, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: no device configured", ErrDeviceUnavailable)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrDeviceUnavailable, err)
	}

	// The process outlives OpenDevice's ctx; Close cancels it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := utils.NewSafeCommand(procCtx, "ffmpeg", cfg.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	s := &FFmpegSource{cmd: cmd, stdout: stdout, scanner: scanner, cancel: cancel, live: cfg.Live}

	first, err := s.read(ctx)
	if err != nil {
		s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v %s", ErrDeviceUnavailable, cfg.Device, err, cmd.Logs())
	}
	s.pending = first
	return s, nil
}

// Next returns the next frame. The returned slice is owned by the caller.
func (s *FFmpegSource) Next(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		f := s.pending
		s.pending = nil
		return f, nil
	}
	return s.read(ctx)
}

func (s *FFmpegSource) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Scan blocks on the pipe; cancellation unblocks it by killing ffmpeg.
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	if s.scanner.Scan() {
		frame := make([]byte, len(s.scanner.Bytes()))
		copy(frame, s.scanner.Bytes())
		return frame, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}

	// Stream ended: a clean ffmpeg exit is the end of a finite input.
	if err := s.wait(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg exited: %v %s", ErrFrameRead, err, s.cmd.Logs())
	}
	if s.live {
		return nil, fmt.Errorf("%w: camera stream ended %s", ErrFrameRead, s.cmd.Logs())
	}
	return nil, io.EOF
}

func (s *FFmpegSource) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
		s.cancel()
	})
	return s.closeErr
}

// Close kills ffmpeg if it is still running and reaps it.
func (s *FFmpegSource) Close() error {
	s.cancel()
	s.stdout.Close()
	err := s.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed on purpose, or already reported through Next.
		return nil
	}
	return err
}

// Logs returns ffmpeg's stderr.
func (s *FFmpegSource) Logs() string {
	return s.cmd.Logs()
}
