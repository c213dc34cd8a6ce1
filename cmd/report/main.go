// Command report summarizes a bot's decision trail, missed trades and
// settled trades from the rotation database, optionally exporting each to
// CSV for offline analysis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"coinrotator/internal/adapters/logger"
	"coinrotator/internal/adapters/sqlite"
	"coinrotator/internal/analytics"
	"coinrotator/internal/utils"
)

func main() {
	dbPath := flag.String("db", "./data/coin_rotator.db", "path to the rotation database")
	botName := flag.String("bot", "rotator", "bot name to report on")
	limit := flag.Int("limit", 50, "max rows per section")
	csvDir := flag.String("csv", "", "directory to export CSV files into (empty disables export)")
	flag.Parse()

	ctx := context.Background()
	appLogger := logger.NewStdLogger(logger.LevelWarn)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening database %s: %v", *dbPath, err)
	}
	defer repo.Close()

	bot, err := repo.FindByName(ctx, *botName)
	if err != nil {
		log.Fatalf("Error loading bot %q: %v", *botName, err)
	}
	if bot == nil {
		log.Fatalf("Bot %q not found in %s", *botName, *dbPath)
	}

	fmt.Printf("Bot %q (id %d) scope=%s holding=%s peak=%.8f commissions=%.8f epoch=%d\n\n",
		bot.Name, bot.ID, bot.AccountScope, bot.CurrentCoin, bot.GlobalPeakValue,
		bot.TotalCommissionsPaid, bot.ResetEpoch)

	decisions, err := repo.FindRecentDecisions(ctx, bot.ID, *limit)
	if err != nil {
		log.Fatalf("Error loading decisions: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "## Decisions")
	fmt.Fprintln(w, "when\tfrom\tto\tdev%\ttrig\tswap\ttrade\treason")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%v\t%v\t%d\t%s\n",
			d.CreatedAt.Format("2006-01-02 15:04:05"), d.FromCoin, d.ToCoin,
			d.DeviationPct, d.DeviationTriggered, d.SwapPerformed, d.TradeID, d.Reason)
	}
	w.Flush()

	missed, err := repo.FindRecentMissedTrades(ctx, bot.ID, *limit)
	if err != nil {
		log.Fatalf("Error loading missed trades: %v", err)
	}
	fmt.Fprintln(w, "\n## Missed trades")
	fmt.Fprintln(w, "when\tfrom\tto\tdev%\treason\tdetail")
	for _, m := range missed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%s\t%s\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), m.FromCoin, m.ToCoin,
			m.DeviationPct, m.Reason, m.Detail)
	}
	w.Flush()

	trades, err := repo.FindRecentByBot(ctx, bot.ID, *limit)
	if err != nil {
		log.Fatalf("Error loading trades: %v", err)
	}
	fmt.Fprintln(w, "\n## Trades")
	fmt.Fprintln(w, "when\tstatus\tfrom\tto\tfromAmt\ttoAmt\tfee\tsteps\tattempt")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.8f\t%.8f\t%.8f\t%d\t%s\n",
			t.ExecutedAt.Format("2006-01-02 15:04:05"), t.Status, t.FromCoin, t.ToCoin,
			t.FromAmount, t.ToAmount, t.Commission, len(t.Steps), t.AttemptID)
	}
	w.Flush()

	m := analytics.AnalyzeRotation(decisions, trades)
	fmt.Printf("\n## Performance\n")
	fmt.Printf("evaluations=%d triggered=%d swaps=%d (rate %.2f) blocked=%d takeProfit=%d\n",
		m.TotalEvaluations, m.TriggeredEvaluations, m.SwapsPerformed, m.SwapRate,
		m.BlockedByProtection, m.TakeProfitOverrides)
	fmt.Printf("trades: completed=%d failed=%d commissions=%.8f\n",
		m.CompletedTrades, m.FailedTrades, m.TotalCommissions)
	fmt.Printf("value: peak=%.8f final=%.8f maxDrawdown=%.2f%% drawdownPeriods=%d\n",
		m.PeakValue, m.FinalValue, m.MaxDrawdown*100, len(m.Drawdowns))

	if *csvDir == "" {
		return
	}
	if err := os.MkdirAll(*csvDir, 0o755); err != nil {
		log.Fatalf("Error creating CSV directory: %v", err)
	}
	exports := []struct {
		name string
		fn   func(string) error
	}{
		{"decisions.csv", func(p string) error { return utils.WriteDecisionsToCSV(decisions, p) }},
		{"missed_trades.csv", func(p string) error { return utils.WriteMissedTradesToCSV(missed, p) }},
		{"trades.csv", func(p string) error { return utils.WriteTradesToCSV(trades, p) }},
	}
	for _, e := range exports {
		path := *csvDir + "/" + e.name
		if err := e.fn(path); err != nil {
			log.Fatalf("Error writing %s: %v", path, err)
		}
		fmt.Printf("wrote %s\n", path)
	}
}
