package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfalak/ledger/internal/importer"
)

var errUnreconciled = errors.New("statement does not reconcile")

func newReconcileCommand(g *globalFlags) *cobra.Command {
	var format string
	var archive bool

	cmd := &cobra.Command{
		Use:   "reconcile <account-id> [statement.csv]",
		Short: "Match a settlement statement against pending deposits",
		Long: `Match a bank settlement statement against the account's pending deposits
by external reference. Without a file, every CSV under <dir>/import/ is read.
The ledger is never modified.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := importer.DefaultRegistry().Get(format)
			if parser == nil {
				return fmt.Errorf("unknown statement format %q", format)
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				var files []importer.FileInfo
				if len(args) == 2 {
					files = []importer.FileInfo{{Name: filepath.Base(args[1]), Path: args[1]}}
				} else {
					scanned, err := importer.Scan(a.dataDir)
					if err != nil {
						return err
					}
					if len(scanned) == 0 {
						return fmt.Errorf("no statements in %s", filepath.Join(a.dataDir, "import"))
					}
					files = scanned
				}

				acct, err := a.engine.Account(ctx, args[0])
				if err != nil {
					return err
				}

				var lines []importer.SettlementLine
				for _, f := range files {
					ls, err := parseStatement(parser, f.Path)
					if err != nil {
						return err
					}
					lines = append(lines, ls...)
				}

				rep := importer.Reconcile(acct, lines)
				printReport(cmd.OutOrStdout(), rep)

				if archive && len(args) == 1 {
					for _, f := range files {
						if err := importer.MarkProcessed(a.dataDir, f.Name); err != nil {
							return err
						}
					}
					a.snapshot(ctx, cmd, fmt.Sprintf("reconcile: %s %d statement(s)", acct.ID, len(files)))
				}
				if !rep.Clean() {
					return errUnreconciled
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "standard", "statement format")
	cmd.Flags().BoolVar(&archive, "archive", false, "move scanned statements to import/processed")

	return cmd
}

func parseStatement(p importer.Parser, path string) ([]importer.SettlementLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening statement: %w", err)
	}
	defer f.Close()
	lines, err := p.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

func printReport(w io.Writer, rep importer.Report) {
	fmt.Fprintf(w, "Account %s: %d matched, %d mismatched, %d unmatched, %d outstanding\n",
		rep.AccountID, len(rep.Matched), len(rep.Mismatched), len(rep.Unmatched), len(rep.Outstanding))
	for _, m := range rep.Matched {
		fmt.Fprintf(w, "  ok         %s %s %s\n", m.Deposit.ID, m.Line.Reference, usd(m.Line.Amount))
	}
	for _, m := range rep.Mismatched {
		fmt.Fprintf(w, "  mismatch   %s %s ledger %s, statement %s\n", m.Deposit.ID, m.Line.Reference, usd(m.Deposit.Amount), usd(m.Line.Amount))
	}
	for _, l := range rep.Unmatched {
		fmt.Fprintf(w, "  unmatched  %s %s %s\n", l.Date.Format("2006-01-02"), l.Reference, usd(l.Amount))
	}
	for _, t := range rep.Outstanding {
		fmt.Fprintf(w, "  pending    %s %s %s\n", t.ID, strings.TrimSpace(t.ExternalReference), usd(t.Amount))
	}
}
