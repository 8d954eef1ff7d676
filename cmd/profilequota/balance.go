package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBalanceCmd(configPath *string) *cobra.Command {
	var (
		o       overrides
		isAdmin bool
	)

	cmd := &cobra.Command{
		Use:   "balance USER",
		Short: "Show a user's token balance per profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, *configPath, &o)
			if err != nil {
				return err
			}
			defer a.Close()

			user := args[0]
			e := a.engine(nil)
			ctx := cmd.Context()
			if err := e.UpdateBalances(ctx, user, isAdmin); err != nil {
				return err
			}
			views, err := e.ProfilesByBalance(ctx, user, isAdmin)
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println("No profiles configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tBALANCE\tHOURS LEFT\tMIN TO START\tMAX\tCAN START")
			for _, v := range views {
				canStart := "yes"
				if v.Disabled {
					canStart = "no"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					v.Slug, v.Display.Balance, v.Display.BalanceHours, v.Display.MinToStart, v.Display.MaxBalance, canStart)
			}
			return w.Flush()
		},
	}

	o.register(cmd, false, false)
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "apply the admin quota")
	return cmd
}
