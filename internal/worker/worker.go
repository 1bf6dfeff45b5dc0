// Package worker drives the Python face engine (dlib + face_recognition).
// Each Engine owns one long-lived subprocess. Requests go over stdin as
// [uint32 length][op][payload]; responses come back on a dedicated FD 3
// pipe as [uint32 length][status][body], so stray prints on stdout can
// never corrupt the stream.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// ErrEngineExited means the engine process is gone; no further request can succeed.
var ErrEngineExited = errors.New("face engine exited")

// Request ops understood by python/engine.py.
const (
	OpDetect byte = 'D'
	OpEncode byte = 'E'
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxResponse guards against reading a garbage length header.
	maxResponse = 64 * 1024 * 1024
)

// Config selects the interpreter, script and dlib detector settings.
type Config struct {
	Python   string
	Script   string
	Model    string // "hog" or "cnn"
	Upsample int
}

// DefaultConfig runs python/engine.py with the HOG detector.
func DefaultConfig() Config {
	return Config{Python: "python3", Script: "python/engine.py", Model: "hog", Upsample: 1}
}

// Engine is one face engine process. It is safe for concurrent use but
// serves a single request at a time.
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu        sync.Mutex
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewEngine starts the engine subprocess. Cancelling ctx kills it.
func NewEngine(ctx context.Context, id int, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--model", cfg.Model, "--upsample", fmt.Sprint(cfg.Upsample))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logger.Debug("engine started", "engine", id, "pid", py.Process.Pid)
	return &Engine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		logger:   logger,
	}, nil
}

// StartPool starts n engines. On failure the engines already started are closed.
func StartPool(ctx context.Context, n int, cfg Config, logger *slog.Logger) ([]*Engine, error) {
	engines := make([]*Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := NewEngine(ctx, i, cfg, logger)
		if err != nil {
			ClosePool(engines)
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// ClosePool closes every engine.
func ClosePool(engines []*Engine) {
	for _, e := range engines {
		e.Close()
	}
}

// Detect returns every face in a JPEG frame with its box and 68 landmarks.
func (e *Engine) Detect(ctx context.Context, img []byte) ([]types.LandmarkFrame, error) {
	body, err := e.communicate(ctx, OpDetect, img)
	if err != nil {
		return nil, err
	}
	return decodeDetections(body)
}

// Encode returns one 128-d embedding per face found in a JPEG image.
func (e *Engine) Encode(ctx context.Context, img []byte) ([][]float64, error) {
	body, err := e.communicate(ctx, OpEncode, img)
	if err != nil {
		return nil, err
	}
	return decodeEncodings(body)
}

// Logs returns the engine's captured stderr.
func (e *Engine) Logs() string {
	return e.Cmd.Logs()
}

func (e *Engine) communicate(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Protocol: [Length][Op][Payload]
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, e.exited(ctx, err)
	}
	if _, err := e.Stdin.Write(append([]byte{op}, payload...)); err != nil {
		return nil, e.exited(ctx, err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		// This is where a crashed interpreter (e.g. ModuleNotFoundError) surfaces
		return nil, e.exited(ctx, err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("%w: invalid response length %d", ErrEngineExited, respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, resp); err != nil {
		return nil, e.exited(ctx, err)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		return nil, decodeError(resp[1:])
	default:
		return nil, fmt.Errorf("unknown engine status %d", resp[0])
	}
}

func (e *Engine) exited(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: engine %d: %v", ErrEngineExited, e.ID, err)
}

// Close shuts stdin so the engine exits, then reaps it. Safe to call twice.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Stdin.Close()
		e.DataPipe.Close()
		if e.Cmd != nil {
			if err := e.Cmd.Wait(); err != nil && e.logger != nil {
				e.logger.Debug("engine exited", "engine", e.ID, "error", err)
			}
		}
	})
}

// decodeError reads [MsgLen][Msg].
func decodeError(body []byte) error {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return fmt.Errorf("engine error: unreadable message: %w", err)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return fmt.Errorf("engine error: truncated message: %w", err)
	}
	return fmt.Errorf("engine error: %s", msg)
}

// decodeDetections reads [NumFaces] then per face
// [Loc: 4 x int32 top,right,bottom,left] [NumPoints] [NumPoints x (float32 x, float32 y)].
func decodeDetections(body []byte) ([]types.LandmarkFrame, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}

	faces := make([]types.LandmarkFrame, 0, n)
	for i := uint32(0); i < n; i++ {
		var loc [4]int32
		if err := binary.Read(r, binary.BigEndian, &loc); err != nil {
			return nil, fmt.Errorf("face %d: failed to read box: %w", i, err)
		}
		box, err := types.BBoxFromLoc([]int{int(loc[0]), int(loc[1]), int(loc[2]), int(loc[3])})
		if err != nil {
			return nil, err
		}

		var np uint32
		if err := binary.Read(r, binary.BigEndian, &np); err != nil {
			return nil, fmt.Errorf("face %d: failed to read landmark count: %w", i, err)
		}
		if int64(np)*8 > int64(r.Len()) {
			return nil, fmt.Errorf("face %d: landmark count %d exceeds payload", i, np)
		}
		raw := make([]float32, 2*np)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("face %d: failed to read landmarks: %w", i, err)
		}
		points := make([]types.Point, np)
		for j := range points {
			points[j] = types.Point{X: float64(raw[2*j]), Y: float64(raw[2*j+1])}
		}
		faces = append(faces, types.LandmarkFrame{Box: box, Points: points})
	}
	return faces, nil
}

// decodeEncodings reads [NumFaces] then NumFaces x [Dim x float32].
func decodeEncodings(body []byte) ([][]float64, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	if int64(n)*encodingDim*4 > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d exceeds payload", n)
	}

	out := make([][]float64, 0, n)
	for i := uint32(0); i < n; i++ {
		var vec [encodingDim]float32
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("face %d: failed to read encoding: %w", i, err)
		}
		v := make([]float64, encodingDim)
		for j, x := range vec {
			v[j] = float64(x)
			if math.IsNaN(v[j]) {
				return nil, fmt.Errorf("face %d: NaN in encoding", i)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// encodingDim matches encoding.Dim; the engine emits dlib's 128-d vectors.
const encodingDim = 128
