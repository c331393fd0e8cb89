// Benchmark tool for testing Shrike against labeled timecard data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/timecards.csv
//
// This tool:
//  1. Reads timecard entries with anomaly labels from a CSV
//  2. Trains the isolation forest on the synthetic prior and scans the
//     entries in-process (no server required)
//  3. Compares flagged entries with the labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header required, order free):
//   employee_id, employee_name, pay_type, date, clock_in, clock_out, is_anomaly
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/engine"
	"github.com/openpayroll/shrike/internal/forest"
	"github.com/openpayroll/shrike/internal/reasons"
	"github.com/openpayroll/shrike/internal/source"
)

// LabeledEntry pairs a timecard entry with its ground-truth label.
type LabeledEntry struct {
	Entry     domain.TimeEntry
	Name      string
	PayType   domain.PayType
	IsAnomaly bool
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int // labeled anomaly, flagged
	FalsePositives int // labeled normal, flagged
	TrueNegatives  int // labeled normal, not flagged
	FalseNegatives int // labeled anomaly, not flagged (missed!)

	TotalScored    int
	TotalAnomalies int
	TotalNormal    int
	Rejected       int
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled timecard CSV file")
	limit := flag.Int("limit", 0, "Maximum entries to process (0 = all)")
	trees := flag.Int("trees", 100, "Ensemble size")
	subsample := flag.Int("subsample", 256, "Subsample size per tree")
	training := flag.Int("training", 300, "Synthetic training set size")
	seed := flag.Int64("seed", 42, "Random seed (0 = time-based)")
	threshold := flag.Float64("threshold", 0.55, "Detection threshold")
	verbose := flag.Bool("verbose", false, "Print each entry result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/timecards.csv")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          SHRIKE BENCHMARK - Timecard Anomaly Detection        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Trees:       %d\n", *trees)
	fmt.Printf("Subsample:   %d\n", *subsample)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	// Read labeled data
	fmt.Printf("Reading timecard data from %s...\n", *csvPath)
	entries, err := readTimecardCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d entries\n", len(entries))

	anomalyCount := 0
	for _, le := range entries {
		if le.IsAnomaly {
			anomalyCount++
		}
	}
	fmt.Printf("  - Anomalies: %d (%.2f%%)\n", anomalyCount, 100*float64(anomalyCount)/float64(len(entries)))
	fmt.Printf("  - Normal:    %d (%.2f%%)\n", len(entries)-anomalyCount, 100*float64(len(entries)-anomalyCount)/float64(len(entries)))

	// Build an in-memory payroll source from the CSV
	src := buildSource(entries)

	reasoner, err := reasons.NewEngine()
	if err != nil {
		fmt.Printf("ERROR: Failed to create reason engine: %v\n", err)
		os.Exit(1)
	}
	defer reasoner.Close()
	if err := reasoner.LoadRules(reasons.BuiltinRules()); err != nil {
		fmt.Printf("ERROR: Failed to load reason rules: %v\n", err)
		os.Exit(1)
	}

	cfg := domain.DefaultEngineConfig()
	cfg.TreeCount = *trees
	cfg.SubsampleSize = *subsample
	cfg.TrainingSize = *training
	cfg.Seed = *seed
	cfg.Threshold = *threshold

	eng := engine.New(engine.Params{
		TenantID: "benchmark",
		Config:   cfg,
		Source:   src,
		Forest: forest.New(forest.Config{
			Trees:     cfg.TreeCount,
			Subsample: cfg.SubsampleSize,
			Seed:      cfg.Seed,
		}),
		Reasoner: reasoner,
	})

	// Train on the synthetic prior
	fmt.Println("\nTraining isolation forest...")
	trainStart := time.Now()
	if err := eng.Train(); err != nil {
		fmt.Printf("ERROR: Training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Trained in %v\n", time.Since(trainStart).Round(time.Millisecond))

	// Scan
	fmt.Println("\nScanning entries...")
	scanStart := time.Now()
	result, err := eng.Scan(context.Background())
	if err != nil {
		fmt.Printf("ERROR: Scan failed: %v\n", err)
		os.Exit(1)
	}
	duration := time.Since(scanStart)

	metrics := score(entries, result, eng, *verbose)
	printResults(metrics, duration)
}

func readTimecardCSV(path string, limit int) ([]LabeledEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"employee_id", "date", "clock_in", "clock_out", "is_anomaly"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var entries []LabeledEntry
	row := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}
		row++

		le := LabeledEntry{
			Entry: domain.TimeEntry{
				ID:         fmt.Sprintf("bench-%d", row),
				EmployeeID: record[colIndex["employee_id"]],
				Date:       record[colIndex["date"]],
				ClockIn:    record[colIndex["clock_in"]],
				ClockOut:   record[colIndex["clock_out"]],
			},
			PayType:   domain.PayTypeHourly,
			IsAnomaly: record[colIndex["is_anomaly"]] == "1" || strings.EqualFold(record[colIndex["is_anomaly"]], "true"),
		}
		if i, ok := colIndex["employee_name"]; ok {
			le.Name = record[i]
		}
		if i, ok := colIndex["pay_type"]; ok && record[i] != "" {
			le.PayType = domain.PayType(record[i])
		}
		if le.Name == "" {
			le.Name = le.Entry.EmployeeID
		}

		entries = append(entries, le)

		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	return entries, nil
}

func buildSource(entries []LabeledEntry) *source.Static {
	src := &source.Static{
		Entries: make(map[string][]*domain.TimeEntry),
	}
	seen := make(map[string]bool)

	for i := range entries {
		le := &entries[i]
		if !seen[le.Entry.EmployeeID] {
			seen[le.Entry.EmployeeID] = true
			src.EmployeeList = append(src.EmployeeList, &domain.Employee{
				ID:      le.Entry.EmployeeID,
				Name:    le.Name,
				PayType: le.PayType,
				Rate:    25,
			})
		}
		entry := le.Entry
		src.Entries[entry.EmployeeID] = append(src.Entries[entry.EmployeeID], &entry)
	}

	return src
}

// score builds the confusion matrix by matching flagged entry keys
// against the CSV labels.
func score(entries []LabeledEntry, result *domain.ScanResult, eng *engine.Engine, verbose bool) *Metrics {
	flagged := make(map[string]float64)
	for _, rec := range eng.Records() {
		flagged[rec.EntryKey] = rec.AnomalyScore
	}

	m := &Metrics{Rejected: result.EntriesRejected}

	for _, le := range entries {
		if le.Entry.ClockOut == "" {
			continue // open entries are never scored
		}
		m.TotalScored++

		anomScore, predicted := flagged[le.Entry.DedupKey()]
		actual := le.IsAnomaly

		if actual {
			m.TotalAnomalies++
		} else {
			m.TotalNormal++
		}

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}

		if verbose {
			status := "✓"
			if predicted != actual {
				status = "✗"
			}
			fmt.Printf("%s %-10s | %s %s-%s | Labeled: %-5v | Flagged: %-5v (%.3f)\n",
				status,
				le.Entry.EmployeeID,
				le.Entry.Date,
				le.Entry.ClockIn,
				le.Entry.ClockOut,
				actual,
				predicted,
				anomScore,
			)
		}
	}

	return m
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Scored:     %d\n", m.TotalScored)
	fmt.Printf("   Total Anomalies:  %d\n", m.TotalAnomalies)
	fmt.Printf("   Total Normal:     %d\n", m.TotalNormal)
	fmt.Printf("   Rejected:         %d\n", m.Rejected)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Flagged       Clean")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual anomalies)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of anomalies, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Scan Duration:    %v\n", duration.Round(time.Millisecond))
	if m.TotalScored > 0 && duration > 0 {
		eps := float64(m.TotalScored) / duration.Seconds()
		fmt.Printf("   Throughput:       %.2f entries/sec\n", eps)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most anomalies")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some anomalies")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant anomalies being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most anomalies are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false flags")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false flags")
	}

	fmt.Println()
}
