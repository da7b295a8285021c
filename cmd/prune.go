package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/archive"
	"github.com/spf13/cobra"
)

var (
	pruneMax int
	pruneYes bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply detection retention to the archive directory",
	Long:  "Deletes the oldest detection groups until at most --max remain. Defaults to max_detection_images from the config.",
	RunE: func(cmd *cobra.Command, args []string) error {
		max := Cfg.MaxDetectionImages
		if cmd.Flags().Changed("max") {
			max = pruneMax
		}
		if max < 1 {
			return errors.New("--max must be at least 1")
		}
		return runPrune(cmd.InOrStdin(), cmd.OutOrStdout(), Cfg.DetectionsDir, max, pruneYes)
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneMax, "max", 0, "Number of detection groups to keep")
	pruneCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(in io.Reader, out io.Writer, dir string, max int, yes bool) error {
	arch := archive.New(dir, max, true)
	groups, err := arch.Groups()
	if err != nil {
		return err
	}
	excess := len(groups) - max
	if excess <= 0 {
		fmt.Fprintf(out, "Nothing to prune: %d groups in %s\n", len(groups), dir)
		return nil
	}

	prompt := fmt.Sprintf("⚠️  Delete the %d oldest detection groups from %s?", excess, dir)
	if !yes && !confirm(bufio.NewReader(in), out, prompt) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	removed, err := arch.Prune(max)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🗑️  Removed %d detection groups, %d remain.\n", removed, len(groups)-removed)
	return nil
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
