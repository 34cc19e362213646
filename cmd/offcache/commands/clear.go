package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amirmatini/offcache/internal/catalog"
)

var (
	clearYes   bool
	clearStale bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached media",
	Long: `Clear deletes every cached file. With --stale it only deletes media that no
collection in the catalog manifest references.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if clearStale {
			if a.catalog == nil {
				return errors.New("--stale requires catalog.manifest to be configured")
			}
			cols, err := a.catalog.Collections(cmd.Context())
			if err != nil {
				return err
			}
			removed := a.resolver.CleanupStale(catalog.Refs(cols))
			for _, ref := range removed {
				fmt.Fprintf(out, "removed %s\n", ref)
			}
			fmt.Fprintf(out, "%d stale entries removed\n", len(removed))
			return nil
		}

		if !clearYes {
			return errors.New("refusing to clear the whole cache without --yes")
		}
		n := a.resolver.ClearAll()
		fmt.Fprintf(out, "%d entries removed\n", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "confirm clearing the whole cache")
	clearCmd.Flags().BoolVar(&clearStale, "stale", false, "only remove media not referenced by the catalog")
}
