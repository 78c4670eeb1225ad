package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/model"
)

func newAccountCommand(g *globalFlags) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Create and inspect accounts",
	}
	accountCmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create an empty account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, a *app) error {
					acct, err := a.engine.CreateAccount(ctx)
					if err != nil {
						return err
					}
					a.snapshot(ctx, cmd, "account: create "+acct.ID)
					fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <account-id>",
			Short: "Show balances and the transaction log",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, a *app) error {
					acct, err := a.engine.Account(ctx, args[0])
					if err != nil {
						return err
					}
					printAccount(cmd.OutOrStdout(), acct)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List every account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withApp(cmd, func(ctx context.Context, a *app) error {
					accts, err := a.engine.Accounts(ctx)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ACCOUNT\tCASH\tPRINCIPAL\tTRANSACTIONS")
					for _, acct := range accts {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", acct.ID, usd(acct.CashBalance), usd(acct.PrincipalInvested), len(acct.Transactions))
					}
					return tw.Flush()
				})
			},
		},
	)
	return accountCmd
}

func printAccount(w io.Writer, acct model.Account) {
	fmt.Fprintf(w, "Account:   %s\n", acct.ID)
	fmt.Fprintf(w, "Created:   %s\n", acct.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Cash:      %s\n", usd(acct.CashBalance))
	fmt.Fprintf(w, "Principal: %s\n", usd(acct.PrincipalInvested))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSECTOR\tBALANCE")
	for _, s := range model.Sectors() {
		fmt.Fprintf(tw, "%s\t%s\n", s, usd(acct.SectorBalances[s]))
	}
	tw.Flush()

	if len(acct.Transactions) == 0 {
		return
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nID\tTIME\tKIND\tAMOUNT\tDETAIL")
	for _, t := range acct.Transactions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Timestamp.Format("2006-01-02 15:04:05"), t.Kind, usd(t.Amount), detail(t))
	}
	tw.Flush()
}

func detail(t model.Transaction) string {
	if t.Kind == model.KindDeposit {
		d := t.Method
		if t.ExternalReference != "" {
			d += " " + t.ExternalReference
		}
		if t.IsPending() {
			d += " (pending)"
		}
		return d
	}
	return string(t.Strategy)
}
