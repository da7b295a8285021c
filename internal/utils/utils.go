package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// --- 1. Process Safety & Command Wrapping ---

// StderrLimit is how much of a child's stderr is kept for error reports.
const StderrLimit = 64 * 1024

// TailBuffer is an io.Writer that keeps only the last limit bytes written.
// It is safe for concurrent use: exec's copy goroutine writes while an error report reads.
type TailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{limit: limit}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Bytes returns a copy of the retained tail.
func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf)
}

func (b *TailBuffer) String() string { return string(b.Bytes()) }

func (b *TailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
// Only the last StderrLimit bytes are kept, since the daemon runs for weeks.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := NewTailBuffer(StderrLimit)
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	entry := log.WithField("context", context)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("🚨 TVWATCH ERROR")

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
}

// Die is the unified exit strategy for tvwatch.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Camera Stream Decoding ---

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
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// VideoDevicePath maps a numeric camera index to its V4L2 device node.
func VideoDevicePath(device int) string {
	return "/dev/video" + strconv.Itoa(device)
}

// CaptureFPS caps the frames ffmpeg encodes. The monitor samples one frame
// per interval, so anything above a couple per second is thrown away.
const CaptureFPS = 2

// NewFFmpegCaptureCmd creates a live capture pipe for a V4L2 camera.
// It configures FFmpeg to output MJPEG frames to Stdout for ingestion.
func NewFFmpegCaptureCmd(device int) *SafeCommand {
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	// -hide_banner and -loglevel error keep the stderr buffer small over weeks of uptime
	return NewSafeCommand("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "v4l2", "-i", VideoDevicePath(device),
		"-r", strconv.Itoa(CaptureFPS),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}
