package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tidwall/gjson"

	"donchianbot/internal/domain"
	"donchianbot/internal/strategy/analytics"
	"donchianbot/internal/utils"
)

var (
	dir    = flag.String("dir", "data/backtests", "directory holding backtest run folders")
	equity = flag.Float64("equity", 1000, "starting equity when a run has no summary.json")
)

type run struct {
	name     string
	trades   []domain.Trade
	initial  float64
	metrics  *analytics.PerformanceMetrics
	readyPct float64
}

func main() {
	flag.Parse()

	// Find all backtest trade files
	files, err := findTradeFiles(*dir)
	if err != nil {
		log.Fatalf("Error finding backtest files: %v", err)
	}
	if len(files) == 0 {
		log.Println("No backtest files found. Run the backtest runner first.")
		return
	}

	var runs []run
	for _, file := range files {
		trades, err := utils.ReadTradesFromCSV(file)
		if err != nil {
			log.Printf("Error reading trades from %s: %v", file, err)
			continue
		}
		initial := initialEquity(filepath.Join(filepath.Dir(file), "summary.json"), *equity)
		m := analytics.AnalyzePerformance(trades, nil, initial)
		runs = append(runs, run{
			name:     runName(file),
			trades:   trades,
			initial:  initial,
			metrics:  m,
			readyPct: analytics.Readiness(m).Score,
		})
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].metrics.TotalProfit > runs[j].metrics.TotalProfit })

	// Create a tabwriter for formatted output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Run\tTrades\tWinRate\tAvgWin\tAvgLoss\tTotalPnL\tPF\tMaxDD%\tReady%\t")
	for _, r := range runs {
		m := r.metrics
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.0f\t\n",
			r.name, m.TotalTrades, m.WinRate*100, m.AverageWin, m.AverageLoss,
			m.TotalProfit, m.ProfitFactor, m.MaxDrawdown*100, r.readyPct)
	}
	w.Flush()

	fmt.Println("\n## Exit Reason Analysis")
	for _, r := range runs {
		analyzeExitReasons(r)
	}
}

// findTradeFiles returns every trades.csv one level below dir, plus any
// loose *trades*.csv files in dir itself.
func findTradeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		switch {
		case entry.IsDir():
			path := filepath.Join(dir, entry.Name(), "trades.csv")
			if _, err := os.Stat(path); err == nil {
				files = append(files, path)
			}
		case strings.Contains(entry.Name(), "trades") && strings.HasSuffix(entry.Name(), ".csv"):
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func runName(file string) string {
	if filepath.Base(file) == "trades.csv" {
		return filepath.Base(filepath.Dir(file))
	}
	return filepath.Base(file)
}

// initialEquity derives the starting equity from a run summary, falling back
// to def when the summary is missing or incomplete.
func initialEquity(summaryPath string, def float64) float64 {
	data, err := os.ReadFile(summaryPath)
	if err != nil || !gjson.ValidBytes(data) {
		return def
	}
	final := gjson.GetBytes(data, "final_equity")
	pnl := gjson.GetBytes(data, "metrics.TotalProfit")
	if !final.Exists() || !pnl.Exists() {
		return def
	}
	if v := final.Float() - pnl.Float(); v > 0 {
		return v
	}
	return def
}

func analyzeExitReasons(r run) {
	counts := make(map[domain.CloseReason]int)
	pnl := make(map[domain.CloseReason]float64)
	for _, t := range r.trades {
		counts[t.CloseReason]++
		pnl[t.CloseReason] += t.PNL
	}

	fmt.Printf("\nRun: %s (start equity %.2f)\n", r.name, r.initial)
	fmt.Println("Close Reason\tCount\tTotal PnL\tAvg PnL")

	// Sort reasons for consistent output
	reasons := make([]domain.CloseReason, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	for _, reason := range reasons {
		fmt.Printf("%s\t%d\t%.2f\t%.2f\n", reason, counts[reason], pnl[reason], pnl[reason]/float64(counts[reason]))
	}
}
