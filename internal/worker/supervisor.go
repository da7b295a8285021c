package worker

import (
	"errors"
	"image"
	"sync"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/utils"
	log "github.com/sirupsen/logrus"
)

// Supervisor owns at most one detector worker and starts a fresh one
// on the next call after the previous one timed out or crashed.
type Supervisor struct {
	opts  Options
	start func(id int, opts Options) (*PythonWorker, error)

	mu       sync.Mutex
	current  *PythonWorker
	launched int
}

// NewSupervisor returns a Supervisor. The worker is not started until the first Detect.
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{opts: opts, start: NewPythonWorker}
}

// Detect runs detection on img, starting the worker if needed.
func (s *Supervisor) Detect(img *image.RGBA) ([]types.FaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		s.launched++
		w, err := s.start(s.launched, s.opts)
		if err != nil {
			return nil, err
		}
		log.WithField("worker", w.ID).Info("Started detector worker")
		s.current = w
	}

	faces, err := s.current.Detect(img)
	if err != nil && !errors.Is(err, ErrWorkerReported) {
		// Transport failure: the process is gone or wedged.
		// Reap it first so its stderr is complete before it is reported.
		w := s.current
		s.current = nil
		w.kill()
		w.Close()
		utils.ShowError("detector worker failed, restarting on next frame", err, w.Cmd)
	}
	return faces, err
}

// Close stops the running worker, if any.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}
