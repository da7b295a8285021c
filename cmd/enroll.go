package cmd

import (
	"errors"
	"fmt"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/spf13/cobra"
)

var (
	enrollFrom    string
	enrollDB      string
	enrollReplace bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Copy an encodings JSON file into the PostgreSQL identity store",
	Long:  "Reads {names, encodings} from --from and inserts every entry into known_identities at --db. Point encodings_path at the same URL to run from the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !store.IsDatabaseURL(enrollDB) {
			return errors.New("--db must be a postgres:// connection string")
		}
		from := enrollFrom
		if from == "" {
			from = Cfg.EncodingsPath
		}

		set, err := store.LoadFile(from)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		db, err := store.New(ctx, enrollDB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close(ctx)

		if enrollReplace {
			if err := db.Reset(ctx); err != nil {
				return fmt.Errorf("failed to clear identities: %w", err)
			}
		}
		if err := db.EnrollSet(ctx, set); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Enrolled %d encodings for %d people\n", set.Len(), len(set.Names()))
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollFrom, "from", "", "Encodings JSON file (default: encodings_path)")
	enrollCmd.Flags().StringVar(&enrollDB, "db", "", "PostgreSQL connection string")
	enrollCmd.Flags().BoolVar(&enrollReplace, "replace", false, "Remove existing identities first")
	rootCmd.AddCommand(enrollCmd)
}
