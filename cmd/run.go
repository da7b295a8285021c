package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/archive"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/camera"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/eventlog"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/facematch"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/monitor"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/worker"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the presence monitor",
	Long:  "Samples the camera every interval_sec, identifies faces and appends them to the presence log until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.Context(), Cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// Swapped out in tests.
var (
	buildPipeline                = newPipeline
	cameraBackend                = camera.Backend
	monitorClock  timeutil.Clock = timeutil.RealClock{}
)

// pipeline is everything a tick needs besides the camera.
type pipeline struct {
	detector *worker.Supervisor
	matcher  *facematch.Matcher
	events   *eventlog.Logger
	archive  *archive.Archiver
	closed   bool
}

func (p *pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	if p.detector != nil {
		p.detector.Close()
	}
	if p.events != nil {
		if err := p.events.Close(); err != nil {
			log.WithError(err).Warn("Failed to close event log mirror")
		}
	}
}

// newPipeline loads the known faces and prepares the log, archive and detector.
// A missing or empty identity store, or a log file that cannot be created, is fatal.
func newPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	known, err := store.Load(ctx, cfg.EncodingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known faces from %s: %w", cfg.EncodingsPath, err)
	}
	log.WithFields(log.Fields{
		"faces":  known.Len(),
		"people": strings.Join(known.Names(), ", "),
	}).Info("Loaded known faces")

	if err := eventlog.EnsureLogFile(cfg.LogPath); err != nil {
		return nil, err
	}
	var mirrors []eventlog.Mirror
	if cfg.EventDBPath != "" {
		sink, err := eventlog.OpenSQLite(cfg.EventDBPath)
		if err != nil {
			log.WithError(err).WithField("path", cfg.EventDBPath).Warn("Event database disabled")
		} else {
			mirrors = append(mirrors, sink)
		}
	}

	arch := archive.New(cfg.DetectionsDir, cfg.MaxDetectionImages, cfg.SaveDetections)
	if err := arch.Init(); err != nil {
		// Archiving fails per tick from here on; monitoring itself continues
		log.WithError(err).Error("Detection archive unavailable")
	}

	detector := worker.NewSupervisor(worker.Options{
		Command:  cfg.DetectorCommand,
		Model:    cfg.FaceModel,
		Upsample: cfg.Upsample,
		Timeout:  cfg.DetectorTimeout(),
	})

	return &pipeline{
		detector: detector,
		matcher:  facematch.New(detector, known, cfg.Tolerance),
		events:   eventlog.New(cfg.LogPath, mirrors...),
		archive:  arch,
	}, nil
}

func runMonitor(ctx context.Context, cfg config.Config) error {
	startedAt := time.Now()
	log.WithFields(log.Fields{
		"device":    cfg.CameraDevice,
		"backend":   cfg.CameraBackend,
		"interval":  cfg.Interval(),
		"tolerance": cfg.Tolerance,
	}).Infof("Starting monitor (%s)", cfg)

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	snap := config.NewSnapshot(cfg, startedAt)
	if err := config.WriteSnapshot(cfg.AppliedConfigPath, snap); err != nil {
		log.WithError(err).Warn("Failed to write applied config snapshot")
	} else {
		log.WithFields(log.Fields{"path": cfg.AppliedConfigPath, "run_id": snap.RunID}).Info("Wrote applied config snapshot")
	}

	open, err := cameraBackend(cfg.CameraBackend)
	if err != nil {
		return err
	}
	clock := monitorClock
	cam := camera.NewSession(open, cfg.CameraDevice, cfg.CameraRetry(), cfg.MaxCameraRetries, clock)
	if err := cam.Open(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	m := monitor.New(cfg, cam, p.matcher, p.events, p.archive, clock)
	return m.Run(ctx)
}
