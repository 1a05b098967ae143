package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/portfolio-engine/internal/aggregate"
	"github.com/atmx/portfolio-engine/internal/model"
)

func newReconstructCmd(rc *RootConfig) *cobra.Command {
	var instrumentID string

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Print the per-trade position and P&L table",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := rc.portfolio()
			if err != nil {
				return err
			}
			rec, err := rc.svc.Reconstruct(cmd.Context(), pid, instrumentID)
			if err != nil {
				return err
			}
			rows := rec.Rows()
			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			printRows(cmd.OutOrStdout(), rows)
			if n := len(rec.Dropped); n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d invalid ledger row(s) dropped, see log\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&instrumentID, "instrument", "", "restrict to one instrument")
	return cmd
}

func newSnapshotCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Mark open positions to market and roll up the portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := rc.portfolio()
			if err != nil {
				return err
			}
			snap, err := rc.svc.Snapshot(cmd.Context(), pid)
			if err != nil {
				return err
			}
			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newStatsCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise closed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := rc.portfolio()
			if err != nil {
				return err
			}
			stats, err := rc.svc.Stats(cmd.Context(), pid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newChartCmd(rc *RootConfig) *cobra.Command {
	var out, from, to string

	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render cumulative returns against the benchmark as PNG",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := rc.portfolio()
			if err != nil {
				return err
			}
			fromT, toT, err := parseRange(from, to)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := rc.svc.Chart(cmd.Context(), f, pid, fromT, toT); err != nil {
				f.Close()
				os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "returns.png", "output PNG path")
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")
	return cmd
}

func newImportCmd(rc *RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load trades or closes from CSV",
	}
	cmd.AddCommand(newImportTradesCmd(rc), newImportClosesCmd(rc))
	return cmd
}

func newImportTradesCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "trades FILE",
		Short: "Append executed trades from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := rc.portfolio()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			file, err := ParseTrades(f, pid)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for i := range file.Instruments {
				if err := rc.store.SaveInstrument(ctx, &file.Instruments[i]); err != nil {
					return err
				}
			}
			res, err := rc.svc.Import(ctx, pid, file.Trades)
			if err != nil {
				return err
			}
			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d trade(s), %d duplicate(s), %d instrument(s) refolded\n",
				res.Imported, res.Duplicates, len(res.Instruments))
			return nil
		},
	}
}

func newImportClosesCmd(rc *RootConfig) *cobra.Command {
	var instrumentID string

	cmd := &cobra.Command{
		Use:   "closes FILE",
		Short: "Upsert daily closes from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rows, err := ParseCloses(f, instrumentID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := rc.store.SaveClose(cmd.Context(), row.InstrumentID, row.Day, row.Close); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d close(s)\n", len(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&instrumentID, "instrument", "", "instrument for files without an instrument column")
	return cmd
}

func parseRange(from, to string) (fromT, toT time.Time, err error) {
	if from != "" {
		if fromT, err = time.Parse(time.DateOnly, from); err != nil {
			return fromT, toT, fmt.Errorf("--from must be YYYY-MM-DD")
		}
	}
	if to != "" {
		if toT, err = time.Parse(time.DateOnly, to); err != nil {
			return fromT, toT, fmt.Errorf("--to must be YYYY-MM-DD")
		}
	}
	if !fromT.IsZero() && !toT.IsZero() && toT.Before(fromT) {
		return fromT, toT, fmt.Errorf("--to must not be before --from")
	}
	return fromT, toT, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRows(w io.Writer, rows []model.PositionRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "time\tinstrument\tside\tqty\tprice\tposition\tavg\trealized\tcum realized\tsegment\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n",
			r.Event.Timestamp.Format("2006-01-02 15:04"),
			r.Event.InstrumentID,
			r.Event.Side,
			r.Event.Quantity.String(),
			money(r.Event.Price),
			r.State.SignedQuantity.String(),
			nullMoney(r.State.AvgEntryPrice),
			nullMoney(r.Outcome.RealizedPnL),
			money(r.State.CumulativeRealizedPnL),
			r.State.SegmentID,
		)
	}
	tw.Flush()
}

func printSnapshot(w io.Writer, s model.PortfolioSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "portfolio\t%s\n", s.PortfolioID)
	fmt.Fprintf(tw, "as of\t%s\n", s.AsOf.Format(time.RFC3339))
	fmt.Fprintf(tw, "account balance\t%s\n", money(s.AccountBalance))
	fmt.Fprintf(tw, "holdings value\t%s\n", money(s.HoldingMarketValue))
	fmt.Fprintf(tw, "unrealized\t%s\n", money(s.UnrealizedPnL))
	fmt.Fprintf(tw, "realized\t%s\n", money(s.RealizedPnL))
	fmt.Fprintf(tw, "equity\t%s\n", money(s.Equity))
	fmt.Fprintf(tw, "pending orders\t%s\n", money(s.PendingOrderValue))
	fmt.Fprintf(tw, "total gain %%\t%s\n", nullMoney(s.TotalGainPct))
	fmt.Fprintf(tw, "account value\t%s\n", nullMoney(s.AccountValue))
	tw.Flush()

	for _, d := range []struct {
		title string
		dist  map[string]decimal.Decimal
	}{
		{"asset class", s.Diversification},
		{"sector", s.SectorDistribution},
		{"industry", s.IndustryDistribution},
		{"market cap", s.MarketCapDistribution},
	} {
		if len(d.dist) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", d.title)
		for _, line := range aggregate.FormatDistribution(d.dist) {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	if len(s.UnpricedInstruments) > 0 {
		fmt.Fprintf(w, "\nno price for %v, marked at entry\n", s.UnpricedInstruments)
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(aggregate.Scale)
}

func nullMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return money(d.Decimal)
}
