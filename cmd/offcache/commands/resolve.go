package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/download"
)

var (
	resolveWait    bool
	resolveTimeout time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve REF...",
	Short: "Resolve media references to a cached path or remote URL",
	Long: `Resolve prints, for each reference, the local path when it is cached or the
remote URL otherwise. With --wait, missing references are downloaded first.`,
	Args: cobra.MinimumNArgs(1),
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

		if !resolveWait {
			for _, ref := range args {
				fmt.Fprintf(out, "%s\t%s\n", ref, a.resolver.Resolve(ref))
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), resolveTimeout)
		defer cancel()
		resolveAndWait(ctx, a, args, out)
		return nil
	},
}

// resolveAndWait queues every missing ref and prints each outcome once its
// download ends or ctx expires.
func resolveAndWait(ctx context.Context, a *app, refs []string, out io.Writer) {
	a.monitor.Start(ctx)
	defer a.monitor.Stop()
	a.sched.Start(ctx)
	defer a.sched.Stop()

	for _, ref := range refs {
		if !a.resolver.IsAvailableOffline(ref) {
			a.sched.Enqueue(ref, a.resolver.URL(ref), cache.KindFromRef(ref), download.High)
		}
	}
	for _, ref := range refs {
		if a.resolver.IsAvailableOffline(ref) {
			fmt.Fprintf(out, "%s\t%s\n", ref, a.resolver.Resolve(ref))
			continue
		}
		task, err := a.sched.Await(ctx, ref)
		switch {
		case errors.Is(err, download.ErrNetworkUnavailable):
			fmt.Fprintf(out, "%s\t%s\t(%v)\n", ref, a.resolver.Resolve(ref), download.ErrNetworkUnavailable)
		case err != nil:
			fmt.Fprintf(out, "%s\t%s\t(%v)\n", ref, a.resolver.Resolve(ref), err)
		case task.Status != download.StatusCompleted:
			fmt.Fprintf(out, "%s\t%s\t(%s: %s)\n", ref, a.resolver.Resolve(ref), task.Status, task.Error)
		default:
			fmt.Fprintf(out, "%s\t%s\n", ref, a.resolver.Resolve(ref))
		}
	}
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveWait, "wait", false, "download missing references before printing")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 5*time.Minute, "how long --wait may take")
}
