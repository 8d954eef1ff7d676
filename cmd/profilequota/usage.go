package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/profilequota/pkg/models"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		o       overrides
		profile string
		since   time.Duration
		limit   int
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "usage [USER]",
		Short: "Show the usage log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			defer a.Close()

			var user string
			if len(args) == 1 {
				user = args[0]
			}
			ctx := cmd.Context()

			if summary {
				sums, err := a.ledger.UsageSummary(ctx, user)
				if err != nil {
					return err
				}
				if len(sums) == 0 {
					fmt.Println("No usage recorded.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tPROFILE\tCHARGES\tHOURS\tTOKENS")
				for _, s := range sums {
					fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\n", s.User, s.ProfileSlug, s.Charges, s.Hours, s.Tokens)
				}
				return w.Flush()
			}

			q := models.UsageQuery{User: user, ProfileSlug: profile, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			entries, err := a.ledger.Usage(ctx, q)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tPROFILE\tHOURS\tTOKENS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%.3f\n",
					e.Date.Format("2006-01-02T15:04:05"), e.User, e.ProfileSlug, e.Hours, e.Tokens)
			}
			return w.Flush()
		},
	}

	o.register(cmd, false, false)
	cmd.Flags().StringVar(&profile, "profile", "", "filter by profile slug")
	cmd.Flags().DurationVar(&since, "since", 0, "only show usage within this window, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show (0 for all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate hours and tokens per user and profile")
	return cmd
}
