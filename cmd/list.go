package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the enrolled identities in encodings_path",
	RunE: func(cmd *cobra.Command, args []string) error {
		known, err := store.Load(cmd.Context(), Cfg.EncodingsPath)
		if err != nil {
			return fmt.Errorf("failed to load known faces: %w", err)
		}
		printIdentities(cmd.OutOrStdout(), known)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func printIdentities(out io.Writer, known *store.KnownFaceSet) {
	counts := make(map[string]int)
	for i := 0; i < known.Len(); i++ {
		name, _ := known.At(i)
		counts[name]++
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tFACE COUNT")
	fmt.Fprintln(w, "----\t----------")
	for _, name := range known.Names() {
		fmt.Fprintf(w, "%s\t%d\n", name, counts[name])
	}
	w.Flush()
	fmt.Fprintf(out, "%d encodings, %d dimensions\n", known.Len(), known.Dim())
}
