package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/auditlog"
	"github.com/alfalak/ledger/internal/model"
)

func newValueCommand(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "value <account-id>",
		Short: "Show the live value with accrued growth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.engine.Valuation(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(v)
				}
				fmt.Fprintf(out, "Account:   %s\n", v.AccountID)
				fmt.Fprintf(out, "As of:     %s\n", v.At.Format("2006-01-02 15:04:05 MST"))
				fmt.Fprintf(out, "Cash:      %s\n", usd(v.Cash))
				fmt.Fprintf(out, "Principal: %s\n", usd(v.Principal))
				fmt.Fprintf(out, "Accrued:   %s\n", usd(v.Accrued))
				fmt.Fprintf(out, "Total:     %s\n", usd(v.Total))
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "\nSECTOR\tVALUE")
				for _, s := range model.Sectors() {
					fmt.Fprintf(tw, "%s\t%s\n", s, usd(v.Sectors[s]))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the valuation as JSON")

	return cmd
}

// errVerifyFailed is returned after the problems have been printed.
var errVerifyFailed = errors.New("verification failed")

func newVerifyCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [account-id...]",
		Short: "Replay each log and check the balance invariants",
		Long:  "Replay each account's log and check it against the stored balances. Verifies every account when no IDs are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				ids := args
				if len(ids) == 0 {
					accts, err := a.engine.Accounts(ctx)
					if err != nil {
						return err
					}
					for _, acct := range accts {
						ids = append(ids, acct.ID)
					}
				}

				out := cmd.OutOrStdout()
				failed := 0
				for _, id := range ids {
					problems, err := a.engine.Verify(ctx, id)
					if err != nil {
						return err
					}
					if len(problems) == 0 {
						fmt.Fprintf(out, "%s: ok\n", id)
						continue
					}
					failed++
					fmt.Fprintf(out, "%s: %d problem(s)\n", id, len(problems))
					for _, p := range problems {
						fmt.Fprintf(out, "  %s\n", p)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%w: %d of %d accounts", errVerifyFailed, failed, len(ids))
				}
				return nil
			})
		},
	}
}

func newAuditCommand(g *globalFlags) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List operator actions from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := g.dataDirAbs()
			if err != nil {
				return err
			}
			entries, err := auditlog.New(dataDir).Entries()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No operator actions recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tOPERATOR\tACTION\tACCOUNT\tAMOUNT\tTRANSACTION")
			for _, e := range entries {
				if accountID != "" && e.AccountID != accountID {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Operator, e.Action, e.AccountID, usd(e.Amount), e.TransactionID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "only show entries for this account")

	return cmd
}
