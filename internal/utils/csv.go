package utils

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"coinrotator/internal/domain"
)

// WriteDecisionsToCSV exports swap decisions for offline analysis.
func WriteDecisionsToCSV(decisions []*domain.BotSwapDecision, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"id", "created_at", "from_coin", "to_coin", "deviation_pct", "threshold_pct",
		"deviation_triggered", "unit_gain_pct", "ref_value", "peak_before", "peak_after",
		"protection_triggered", "take_profit_triggered", "swap_performed", "trade_id", "reason"})

	for _, d := range decisions {
		writer.Write([]string{
			strconv.FormatInt(d.ID, 10),
			d.CreatedAt.Format(time.RFC3339),
			d.FromCoin,
			d.ToCoin,
			strconv.FormatFloat(d.DeviationPct, 'f', -1, 64),
			strconv.FormatFloat(d.ThresholdPct, 'f', -1, 64),
			strconv.FormatBool(d.DeviationTriggered),
			strconv.FormatFloat(d.UnitGainPct, 'f', -1, 64),
			strconv.FormatFloat(d.RefValue, 'f', -1, 64),
			strconv.FormatFloat(d.PeakValueBefore, 'f', -1, 64),
			strconv.FormatFloat(d.PeakValueAfter, 'f', -1, 64),
			strconv.FormatBool(d.GlobalProtectionTriggered),
			strconv.FormatBool(d.TakeProfitTriggered),
			strconv.FormatBool(d.SwapPerformed),
			strconv.FormatInt(d.TradeID, 10),
			d.Reason,
		})
	}
	return writer.Error()
}

// WriteTradesToCSV exports settled trades, one row per step.
func WriteTradesToCSV(trades []*domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"trade_id", "attempt_id", "executed_at", "status", "from_coin", "to_coin",
		"from_amount", "to_amount", "commission", "step_seq", "step_status", "step_from", "step_to",
		"step_price", "external_trade_id"})

	for _, t := range trades {
		base := []string{
			strconv.FormatInt(t.ID, 10),
			t.AttemptID,
			t.ExecutedAt.Format(time.RFC3339),
			string(t.Status),
			t.FromCoin,
			t.ToCoin,
			strconv.FormatFloat(t.FromAmount, 'f', -1, 64),
			strconv.FormatFloat(t.ToAmount, 'f', -1, 64),
			strconv.FormatFloat(t.Commission, 'f', -1, 64),
		}
		if len(t.Steps) == 0 {
			writer.Write(append(base, "", "", "", "", "", ""))
			continue
		}
		for _, s := range t.Steps {
			writer.Write(append(base,
				strconv.Itoa(s.Seq),
				string(s.Status),
				s.FromCoin,
				s.ToCoin,
				strconv.FormatFloat(s.Price, 'f', -1, 64),
				s.ExternalTradeID,
			))
		}
	}
	return writer.Error()
}

// WriteMissedTradesToCSV exports blocked-rotation records.
func WriteMissedTradesToCSV(missed []*domain.MissedTrade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"id", "created_at", "from_coin", "to_coin", "from_price", "to_price",
		"deviation_pct", "reason", "detail"})

	for _, m := range missed {
		writer.Write([]string{
			strconv.FormatInt(m.ID, 10),
			m.CreatedAt.Format(time.RFC3339),
			m.FromCoin,
			m.ToCoin,
			strconv.FormatFloat(m.FromPrice, 'f', -1, 64),
			strconv.FormatFloat(m.ToPrice, 'f', -1, 64),
			strconv.FormatFloat(m.DeviationPct, 'f', -1, 64),
			string(m.Reason),
			m.Detail,
		})
	}
	return writer.Error()
}
