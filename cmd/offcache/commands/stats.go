package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amirmatini/offcache/internal/config"
)

var (
	statsJSON    bool
	statsEntries bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		st := a.resolver.Stats()
		out := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Files:\t%d (%d images, %d videos)\n", st.FileCount, st.ImageCount, st.VideoCount)
		fmt.Fprintf(w, "Used:\t%s\n", config.ByteSize(st.TotalBytes))
		fmt.Fprintf(w, "Budget:\t%s\n", config.ByteSize(st.MaxBytes))
		fmt.Fprintf(w, "Available:\t%s\n", config.ByteSize(st.AvailableBytes))
		if statsEntries {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "REF\tKIND\tSIZE\tLAST USED")
			for _, e := range a.store.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.RemoteRef, e.MediaKind, config.ByteSize(e.SizeBytes), e.LastUsedAt.Format("2006-01-02 15:04:05"))
			}
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
	statsCmd.Flags().BoolVar(&statsEntries, "entries", false, "list every entry, least recently used first")
}
