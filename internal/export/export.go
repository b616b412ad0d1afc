package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Format represents the export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options configures the export behavior
type Options struct {
	Format       Format
	StartTime    time.Time
	EndTime      time.Time
	SymbolFilter string
	SideFilter   domain.Side
	OutputDir    string
}

// ErrNoTrades is returned when the filters leave nothing to write.
var ErrNoTrades = errors.New("no trades match the export criteria")

var csvHeaders = []string{"id", "executed_at", "symbol", "side", "quantity", "price", "notional"}

// TradeExporter writes trade history to disk.
type TradeExporter struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewTradeExporter(logger *zap.Logger) *TradeExporter {
	return &TradeExporter{
		logger: logger.Named("export"),
		now:    time.Now,
	}
}

// ExportTrades filters, sorts and writes trades, returning the output path.
func (te *TradeExporter) ExportTrades(trades []domain.Trade, options Options) (string, error) {
	filtered := te.filterTrades(trades, options)
	if len(filtered) == 0 {
		return "", ErrNoTrades
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ExecutedAt.Before(filtered[j].ExecutedAt)
	})

	if err := os.MkdirAll(options.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(options.OutputDir, te.filename(options))

	var err error
	switch options.Format {
	case FormatCSV:
		err = te.writeCSV(filtered, outputPath)
	case FormatJSON:
		err = te.writeJSON(filtered, outputPath)
	default:
		err = fmt.Errorf("unsupported format: %s", options.Format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("Trades exported",
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))
	return outputPath, nil
}

func (te *TradeExporter) filterTrades(trades []domain.Trade, options Options) []domain.Trade {
	var filtered []domain.Trade
	for _, trade := range trades {
		if !options.StartTime.IsZero() && trade.ExecutedAt.Before(options.StartTime) {
			continue
		}
		// end is exclusive so daily windows don't overlap
		if !options.EndTime.IsZero() && !trade.ExecutedAt.Before(options.EndTime) {
			continue
		}
		if options.SymbolFilter != "" && trade.Symbol != options.SymbolFilter {
			continue
		}
		if options.SideFilter != "" && trade.Side != options.SideFilter {
			continue
		}
		filtered = append(filtered, trade)
	}
	return filtered
}

func (te *TradeExporter) filename(options Options) string {
	prefix := "trades_all"
	if options.SideFilter != "" {
		prefix = "trades_" + string(options.SideFilter)
	}
	if options.SymbolFilter != "" {
		prefix += "_" + options.SymbolFilter
	}
	return fmt.Sprintf("%s_%s.%s", prefix, te.now().Format("20060102_150405"), options.Format)
}

func (te *TradeExporter) writeCSV(trades []domain.Trade, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, trade := range trades {
		row := []string{
			trade.ID,
			trade.ExecutedAt.UTC().Format(time.RFC3339),
			trade.Symbol,
			string(trade.Side),
			trade.Quantity.String(),
			trade.Price.String(),
			notional(trade).String(),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write trade: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (te *TradeExporter) writeJSON(trades []domain.Trade, outputPath string) error {
	return writeJSONFile(outputPath, struct {
		ExportTime time.Time      `json:"export_time"`
		TradeCount int            `json:"trade_count"`
		Summary    Summary        `json:"summary"`
		Trades     []domain.Trade `json:"trades"`
	}{
		ExportTime: te.now(),
		TradeCount: len(trades),
		Summary:    Summarize(trades),
		Trades:     trades,
	})
}

func writeJSONFile(outputPath string, v interface{}) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// Summary contains aggregate statistics for a set of trades
type Summary struct {
	TotalTrades   int             `json:"total_trades"`
	BuyCount      int             `json:"buy_count"`
	SellCount     int             `json:"sell_count"`
	UniqueSymbols int             `json:"unique_symbols"`
	BuyVolume     decimal.Decimal `json:"buy_volume"`
	SellVolume    decimal.Decimal `json:"sell_volume"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	NetCashFlow   decimal.Decimal `json:"net_cash_flow"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
}

// Summarize expects trades sorted by execution time.
func Summarize(trades []domain.Trade) Summary {
	summary := Summary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return summary
	}
	summary.StartDate = trades[0].ExecutedAt
	summary.EndDate = trades[len(trades)-1].ExecutedAt

	symbols := make(map[string]struct{})
	for _, trade := range trades {
		symbols[trade.Symbol] = struct{}{}
		switch trade.Side {
		case domain.SideBuy:
			summary.BuyCount++
			summary.BuyVolume = summary.BuyVolume.Add(notional(trade))
		case domain.SideSell:
			summary.SellCount++
			summary.SellVolume = summary.SellVolume.Add(notional(trade))
		}
	}
	summary.UniqueSymbols = len(symbols)
	summary.TotalVolume = summary.BuyVolume.Add(summary.SellVolume)
	summary.NetCashFlow = summary.SellVolume.Sub(summary.BuyVolume)
	return summary
}

func notional(trade domain.Trade) decimal.Decimal {
	return trade.Quantity.Mul(trade.Price)
}

// DailyReport represents one day of trading
type DailyReport struct {
	Date            time.Time      `json:"date"`
	TradeCount      int            `json:"trade_count"`
	Summary         Summary        `json:"summary"`
	HourlyBreakdown []HourlyStats  `json:"hourly_breakdown"`
	Trades          []domain.Trade `json:"trades"`
}

type HourlyStats struct {
	Hour       int             `json:"hour"`
	TradeCount int             `json:"trade_count"`
	BuyCount   int             `json:"buy_count"`
	SellCount  int             `json:"sell_count"`
	Volume     decimal.Decimal `json:"volume"`
}

// ExportDailyReport writes a JSON report for the day containing date. It
// returns an empty path when no trades fall in that day.
func (te *TradeExporter) ExportDailyReport(trades []domain.Trade, date time.Time, outputDir string) (string, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	filtered := te.filterTrades(trades, Options{
		StartTime: startOfDay,
		EndTime:   startOfDay.AddDate(0, 0, 1),
	})
	if len(filtered) == 0 {
		te.logger.Info("No trades for daily report", zap.Time("date", startOfDay))
		return "", nil
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ExecutedAt.Before(filtered[j].ExecutedAt)
	})

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(outputDir, fmt.Sprintf("daily_report_%s.json", startOfDay.Format("20060102")))
	report := DailyReport{
		Date:            startOfDay,
		TradeCount:      len(filtered),
		Summary:         Summarize(filtered),
		HourlyBreakdown: hourlyBreakdown(filtered),
		Trades:          filtered,
	}
	if err := writeJSONFile(outputPath, report); err != nil {
		return "", err
	}

	te.logger.Info("Daily report exported",
		zap.String("file", outputPath),
		zap.Time("date", startOfDay),
		zap.Int("trades", len(filtered)))
	return outputPath, nil
}

func hourlyBreakdown(trades []domain.Trade) []HourlyStats {
	hourly := make(map[int]*HourlyStats)
	for _, trade := range trades {
		hour := trade.ExecutedAt.Hour()
		stats, ok := hourly[hour]
		if !ok {
			stats = &HourlyStats{Hour: hour}
			hourly[hour] = stats
		}
		stats.TradeCount++
		stats.Volume = stats.Volume.Add(notional(trade))
		switch trade.Side {
		case domain.SideBuy:
			stats.BuyCount++
		case domain.SideSell:
			stats.SellCount++
		}
	}

	var breakdown []HourlyStats
	for hour := 0; hour < 24; hour++ {
		if stats, ok := hourly[hour]; ok {
			breakdown = append(breakdown, *stats)
		}
	}
	return breakdown
}
