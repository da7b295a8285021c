package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/camera"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/monitor"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var replayDir string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run saved still images through detection, logging and archiving",
	Long:  "Feeds every .jpg/.jpeg/.png in --dir, in name order, through the same pipeline as run. Each image is stamped with its modification time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayDir == "" {
			return errors.New("--dir is required")
		}
		return runReplay(cmd.Context(), Cfg, replayDir)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayDir, "dir", "", "Directory of still images to replay")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(ctx context.Context, cfg config.Config, dir string) error {
	src, err := camera.OpenDir(dir)
	if err != nil {
		return err
	}
	if src.Len() == 0 {
		return fmt.Errorf("no images found in %s", dir)
	}

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	m := monitor.New(cfg, nil, p.matcher, p.events, p.archive, timeutil.RealClock{})

	bar := progressbar.NewOptions(src.Len(),
		progressbar.OptionSetDescription("🎞️  Replaying"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var seen, failed int
	for ctx.Err() == nil {
		still, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		bar.Add(1)
		if err != nil {
			failed++
			log.WithError(err).WithField("file", filepath.Base(still.Path)).Warn("Skipping image")
			continue
		}

		res, err := m.Process(still.ModTime, still.Image)
		if err != nil {
			failed++
			log.WithError(err).WithField("file", filepath.Base(still.Path)).Error("Tick abandoned")
			continue
		}
		if len(res.Names) > 0 {
			seen++
		}
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n✅ Replayed %d images: %d with faces, %d failed\n", src.Len(), seen, failed)
	return nil
}
