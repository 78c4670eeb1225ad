package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/engine"
	"github.com/alfalak/ledger/internal/id"
	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
)

// generateKey as a --key value asks for a fresh idempotency key.
const generateKey = "auto"

const keyUsage = `idempotency key; "auto" generates one and prints it to stderr`

// idempotencyKey resolves a --key flag value.
func idempotencyKey(cmd *cobra.Command, key string) string {
	if key != generateKey {
		return key
	}
	k := id.NewIdempotencyKey()
	fmt.Fprintf(cmd.ErrOrStderr(), "idempotency key: %s\n", k)
	return k
}

func newDepositCommand(g *globalFlags) *cobra.Command {
	var method, reference, key string
	var pending bool

	cmd := &cobra.Command{
		Use:   "deposit <account-id> <amount>",
		Short: "Record a deposit into an account's cash balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := ledger.ParseAmount(args[1])
			if err != nil {
				return err
			}
			req := engine.DepositRequest{
				Amount:            amount,
				Method:            method,
				ExternalReference: reference,
				IdempotencyKey:    idempotencyKey(cmd, key),
			}
			if pending {
				req.Status = model.StatusPending
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				txn, err := a.engine.RecordDeposit(ctx, args[0], req)
				if err != nil {
					return err
				}
				a.snapshot(ctx, cmd, fmt.Sprintf("deposit: %s %s %s", args[0], txn.ID, txn.Amount))
				fmt.Fprintf(cmd.OutOrStdout(), "%s deposit %s via %s\n", txn.ID, usd(txn.Amount), txn.Method)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "settlement method, e.g. wire or card (required)")
	_ = cmd.MarkFlagRequired("method")
	cmd.Flags().StringVar(&reference, "reference", "", "external settlement reference")
	cmd.Flags().BoolVar(&pending, "pending", false, "mark the deposit as awaiting settlement")
	cmd.Flags().StringVar(&key, "key", "", keyUsage)

	return cmd
}

func newAllocateCommand(g *globalFlags) *cobra.Command {
	allocateCmd := &cobra.Command{
		Use:   "allocate",
		Short: "Move cash into sectors",
	}

	var autoKey string
	autoCmd := &cobra.Command{
		Use:   "auto <account-id>",
		Short: "Allocate the whole cash balance by the configured split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				txn, err := a.engine.AutoAllocate(ctx, args[0], engine.WithIdempotencyKey(idempotencyKey(cmd, autoKey)))
				if err != nil {
					return err
				}
				a.snapshot(ctx, cmd, fmt.Sprintf("allocate: %s %s %s", args[0], txn.ID, txn.Amount))
				printAllocation(cmd, txn)
				return nil
			})
		},
	}
	autoCmd.Flags().StringVar(&autoKey, "key", "", keyUsage)

	var manualKey string
	var sectors []string
	manualCmd := &cobra.Command{
		Use:   "manual <account-id> --sector name=amount ...",
		Short: "Allocate explicit amounts per sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			split, err := parseSectorFlags(sectors)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				txn, err := a.engine.ManualAllocate(ctx, args[0], split, engine.WithIdempotencyKey(idempotencyKey(cmd, manualKey)))
				if err != nil {
					return err
				}
				a.snapshot(ctx, cmd, fmt.Sprintf("allocate: %s %s %s", args[0], txn.ID, txn.Amount))
				printAllocation(cmd, txn)
				return nil
			})
		},
	}
	manualCmd.Flags().StringArrayVar(&sectors, "sector", nil, "sector=amount, repeatable (required)")
	_ = manualCmd.MarkFlagRequired("sector")
	manualCmd.Flags().StringVar(&manualKey, "key", "", keyUsage)

	allocateCmd.AddCommand(autoCmd, manualCmd)
	return allocateCmd
}

func parseSectorFlags(flags []string) (map[model.Sector]decimal.Decimal, error) {
	split := make(map[model.Sector]decimal.Decimal, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("--sector %q: want name=amount", f)
		}
		s, err := model.ParseSector(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownSector, name)
		}
		if _, dup := split[s]; dup {
			return nil, fmt.Errorf("--sector %s given twice", s)
		}
		amt, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("--sector %s: %w: %q", s, ledger.ErrInvalidAmount, value)
		}
		split[s] = amt
	}
	return split, nil
}

func printAllocation(cmd *cobra.Command, txn model.Transaction) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s allocation %s (%s)\n", txn.ID, usd(txn.Amount), txn.Strategy)
	for _, s := range model.Sectors() {
		if amt, ok := txn.Split[s]; ok {
			fmt.Fprintf(out, "  %-15s %s\n", s, usd(amt))
		}
	}
}

func newDistributeCommand(g *globalFlags) *cobra.Command {
	var operator, key string

	cmd := &cobra.Command{
		Use:   "distribute <account-id> <amount>",
		Short: "Operator: credit sectors directly with a weighted random split",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := ledger.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.engine.DistributeFunds(ctx, args[0], amount,
					engine.WithOperator(operator), engine.WithIdempotencyKey(idempotencyKey(cmd, key)))
				if err != nil {
					return err
				}
				a.snapshot(ctx, cmd, fmt.Sprintf("distribute: %s %s %s", args[0], res.Transaction.ID, res.Transaction.Amount))
				printAllocation(cmd, res.Transaction)
				fmt.Fprintf(cmd.OutOrStdout(), "Live value: %s\n", usd(res.LiveValue))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator name for the audit log (required)")
	_ = cmd.MarkFlagRequired("operator")
	cmd.Flags().StringVar(&key, "key", "", keyUsage)

	return cmd
}
