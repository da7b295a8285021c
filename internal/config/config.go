package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultPath is where the daemon looks for its config file when no flag or env var is set.
const DefaultPath = "~/config.json"

// Face detector models understood by the worker.
const (
	ModelHOG = "hog"
	ModelCNN = "cnn"
)

// ROI is a pixel rectangle within the full camera frame.
type ROI struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ROIPreset is a named ROI selectable through roi_index.
type ROIPreset struct {
	Name string `json:"name"`
	ROI
}

// Config holds every recognized run-time option. It is resolved once at startup.
type Config struct {
	CameraDevice       int         `json:"camera_device"`
	CameraBackend      string      `json:"camera_backend"`
	IntervalSec        float64     `json:"interval_sec"`
	Tolerance          float64     `json:"tolerance"`
	FaceModel          string      `json:"face_model"`
	Upsample           int         `json:"upsample"`
	ResizeWidth        int         `json:"resize_width"`
	ROI                *ROI        `json:"roi"`
	UseROI             bool        `json:"use_roi"`
	ROIPresets         []ROIPreset `json:"roi_presets,omitempty"`
	ROIIndex           PresetIndex `json:"roi_index,omitempty"`
	EncodingsPath      string      `json:"encodings_path"`
	LogPath            string      `json:"log_path"`
	EventDBPath        string      `json:"event_db_path"`
	CameraRetrySec     float64     `json:"camera_retry_sec"`
	MaxCameraRetries   int         `json:"max_camera_retries"`
	SaveDetections     bool        `json:"save_detections"`
	DetectionsDir      string      `json:"detections_dir"`
	MaxDetectionImages int         `json:"max_detection_images"`
	AppliedConfigPath  string      `json:"applied_config_path"`
	DetectorCommand    []string    `json:"detector_command"`
	DetectorTimeoutSec float64     `json:"detector_timeout_sec"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		CameraDevice:       0,
		CameraBackend:      "ffmpeg",
		IntervalSec:        5,
		Tolerance:          0.5,
		FaceModel:          ModelHOG,
		Upsample:           2,
		ResizeWidth:        640,
		UseROI:             true,
		EncodingsPath:      "~/encodings.json",
		LogPath:            "~/tv_watch_log.csv",
		CameraRetrySec:     5,
		MaxCameraRetries:   10,
		SaveDetections:     true,
		DetectionsDir:      "~/detections",
		MaxDetectionImages: 100,
		AppliedConfigPath:  "~/tv_watch_applied_config.json",
		DetectorCommand:    []string{"python3", "-u", "python/detector.py"},
		DetectorTimeoutSec: 60,
	}
}

// Load reads the config file at path and overlays it onto the defaults.
// A missing or malformed file never prevents monitoring: the defaults are
// returned and the problem is logged.
func Load(path string) Config {
	cfg := Default()
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("path", path).Info("No config file, using defaults")
		} else {
			log.WithField("path", path).WithError(err).Error("Failed to read config file, using defaults")
		}
		return cfg.resolve()
	}

	overlay, err := parse(data, cfg)
	if err != nil {
		log.WithField("path", path).WithError(err).Error("Config file is malformed, using defaults")
		return cfg.resolve()
	}
	log.WithField("path", path).Info("Loaded config file")
	return overlay.resolve()
}

// parse decodes data on top of base. Unknown keys are ignored and keys not
// present keep the value from base.
func parse(data []byte, base Config) (Config, error) {
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, err
	}
	return cfg, nil
}

// PresetIndex is the 1-based roi_index. The admin UI writes it as a string,
// hand-edited files often use a number; both decode to the same value.
type PresetIndex string

// UnmarshalJSON accepts a JSON string, number or null.
func (p *PresetIndex) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = PresetIndex(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("roi_index must be a string or number: %w", err)
	}
	*p = PresetIndex(n.String())
	return nil
}

// resolve applies ROI presets, replaces out-of-range values with defaults
// and expands paths.
func (c Config) resolve() Config {
	def := Default()

	if c.IntervalSec <= 0 {
		warnDefault("interval_sec", c.IntervalSec, def.IntervalSec)
		c.IntervalSec = def.IntervalSec
	}
	if c.Tolerance < 0 || c.Tolerance > 1 {
		warnDefault("tolerance", c.Tolerance, def.Tolerance)
		c.Tolerance = def.Tolerance
	}
	if c.FaceModel != ModelHOG && c.FaceModel != ModelCNN {
		warnDefault("face_model", c.FaceModel, def.FaceModel)
		c.FaceModel = def.FaceModel
	}
	if c.Upsample < 0 {
		warnDefault("upsample", c.Upsample, def.Upsample)
		c.Upsample = def.Upsample
	}
	if c.ResizeWidth < 0 {
		warnDefault("resize_width", c.ResizeWidth, def.ResizeWidth)
		c.ResizeWidth = def.ResizeWidth
	}
	if c.CameraRetrySec < 0 {
		warnDefault("camera_retry_sec", c.CameraRetrySec, def.CameraRetrySec)
		c.CameraRetrySec = def.CameraRetrySec
	}
	if c.MaxCameraRetries < 1 {
		warnDefault("max_camera_retries", c.MaxCameraRetries, def.MaxCameraRetries)
		c.MaxCameraRetries = def.MaxCameraRetries
	}
	if c.MaxDetectionImages < 1 {
		warnDefault("max_detection_images", c.MaxDetectionImages, def.MaxDetectionImages)
		c.MaxDetectionImages = def.MaxDetectionImages
	}
	if c.DetectorTimeoutSec <= 0 {
		c.DetectorTimeoutSec = def.DetectorTimeoutSec
	}
	if len(c.DetectorCommand) == 0 {
		c.DetectorCommand = def.DetectorCommand
	}
	if c.CameraBackend == "" {
		c.CameraBackend = def.CameraBackend
	}
	if c.ROI != nil && (c.ROI.W <= 0 || c.ROI.H <= 0) {
		log.WithField("roi", *c.ROI).Warn("ROI has no area, ignoring it")
		c.ROI = nil
	}

	c.applyPreset()

	c.EncodingsPath = ExpandPath(c.EncodingsPath)
	c.LogPath = ExpandPath(c.LogPath)
	c.EventDBPath = ExpandPath(c.EventDBPath)
	c.DetectionsDir = ExpandPath(c.DetectionsDir)
	c.AppliedConfigPath = ExpandPath(c.AppliedConfigPath)
	return c
}

// applyPreset replaces ROI with roi_presets[roi_index-1] when both are set.
func (c *Config) applyPreset() {
	if c.ROIIndex == "" || len(c.ROIPresets) == 0 {
		return
	}
	idx, err := strconv.Atoi(string(c.ROIIndex))
	if err != nil || idx < 1 || idx > len(c.ROIPresets) {
		log.WithFields(log.Fields{"roi_index": c.ROIIndex, "presets": len(c.ROIPresets)}).
			Warn("Failed to apply ROI preset, keeping roi")
		return
	}
	preset := c.ROIPresets[idx-1]
	if preset.W <= 0 || preset.H <= 0 {
		log.WithField("preset", preset.Name).Warn("ROI preset has no area, keeping roi")
		return
	}
	roi := preset.ROI
	c.ROI = &roi
	log.WithFields(log.Fields{"roi_index": idx, "name": preset.Name}).Info("Applied ROI preset")
}

func warnDefault(key string, got, def any) {
	log.WithFields(log.Fields{"key": key, "value": got, "default": def}).Warn("Config value out of range, using default")
}

// ActiveROI returns the ROI used for cropping, or nil when cropping is off.
func (c Config) ActiveROI() *ROI {
	if !c.UseROI || c.ROI == nil {
		return nil
	}
	return c.ROI
}

// Interval returns the tick cadence.
func (c Config) Interval() time.Duration {
	return seconds(c.IntervalSec)
}

// CameraRetry returns the wait between camera open attempts.
func (c Config) CameraRetry() time.Duration {
	return seconds(c.CameraRetrySec)
}

// DetectorTimeout returns the per-frame detector deadline.
func (c Config) DetectorTimeout() time.Duration {
	return seconds(c.DetectorTimeoutSec)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ExpandPath replaces a leading "~/" with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// String renders the detection settings for the startup log line.
func (c Config) String() string {
	roi := "disabled"
	if r := c.ActiveROI(); r != nil {
		roi = fmt.Sprintf("%dx%d+%d+%d", r.W, r.H, r.X, r.Y)
	}
	return fmt.Sprintf("model=%s upsample=%d resize=%d roi=%s", c.FaceModel, c.Upsample, c.ResizeWidth, roi)
}
