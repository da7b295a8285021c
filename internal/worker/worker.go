package worker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/utils"
)

var (
	// ErrTimeout is returned when the worker does not answer within its deadline.
	// The worker process is killed and must be replaced.
	ErrTimeout = errors.New("detector worker timed out")
	// ErrWorkerReported wraps an error message sent back by a healthy worker.
	ErrWorkerReported = errors.New("detector worker error")
)

// Options configures the detector subprocess.
type Options struct {
	Command  []string
	Model    string
	Upsample int
	Timeout  time.Duration
}

func (o Options) args() []string {
	args := append([]string(nil), o.Command[1:]...)
	return append(args, "--model", o.Model, "--upsample", strconv.Itoa(o.Upsample))
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("detector command is empty")
	}
	py := utils.NewSafeCommand(opts.Command[0], opts.args()...)

	// Results come back on FD 3 so the detector's own prints on stdout can't corrupt the stream
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
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

// Communicate sends one length-prefixed message and reads one length-prefixed reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.Timeout <= 0 {
		return w.communicate(data)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.communicate(data)
		done <- result{body, err}
	}()

	timer := time.NewTimer(w.Timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.body, r.err
	case <-timer.C:
		w.kill()
		return nil, fmt.Errorf("%w after %s", ErrTimeout, w.Timeout)
	}
}

func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed worker (e.g. missing python module) surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect sends a frame to the worker and returns the faces it found,
// in detector order.
func (w *PythonWorker) Detect(img *image.RGBA) ([]types.FaceResult, error) {
	resp, err := w.Communicate(EncodeFrame(img))
	if err != nil {
		return nil, err
	}
	return DecodeFaces(resp)
}

// EncodeFrame packs img as [width][height][RGB24 pixels], big endian.
func EncodeFrame(img *image.RGBA) []byte {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	buf := make([]byte, 8, 8+width*height*3)
	binary.BigEndian.PutUint32(buf[0:4], uint32(width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(height))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			buf = append(buf, row[i], row[i+1], row[i+2])
		}
	}
	return buf
}

// DecodeFaces parses a worker reply: a JSON array of faces or an error object.
func DecodeFaces(resp []byte) ([]types.FaceResult, error) {
	trimmed := bytes.TrimSpace(resp)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e types.ErrorResult
		if err := json.Unmarshal(trimmed, &e); err != nil {
			return nil, fmt.Errorf("failed to decode worker error: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkerReported, e.Error)
	}

	var faces []types.FaceResult
	if err := json.Unmarshal(trimmed, &faces); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}
	for i, f := range faces {
		if len(f.Loc) != 4 {
			return nil, fmt.Errorf("face %d has %d location values, expected 4", i, len(f.Loc))
		}
		if len(f.Vec) == 0 {
			return nil, fmt.Errorf("face %d has no encoding", i)
		}
	}
	return faces, nil
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
