package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every cached file and purge corrupt ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		purged := a.resolver.VerifyIntegrity(cmd.Context())
		out := cmd.OutOrStdout()
		for _, ref := range purged {
			fmt.Fprintf(out, "purged %s\n", ref)
		}
		fmt.Fprintf(out, "%d corrupt entries removed, %d remaining\n", len(purged), a.resolver.Stats().FileCount)
		return nil
	},
}
