// Benchmark tool for measuring Harrier against labelled filings.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/filings.csv -url http://localhost:8080
//
// The CSV needs a header with the columns filing_id, taxpayer_id, income,
// deductions, business_sector, tax_period and is_fraud (1 or 0). Each row is
// posted to the server and the flagged verdict is compared with the label
// to report a confusion matrix, precision, recall and F1.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

// LabelledFiling is one CSV row.
type LabelledFiling struct {
	Filing  domain.Filing
	IsFraud bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Legitimate filing flagged
	TrueNegatives  int64 // Legitimate filing passed
	FalseNegatives int64 // Fraud passed (missed!)

	TotalProcessed int64
	TotalFraud     int64
	TotalClean     int64
	TotalErrors    int64
	TotalDegraded  int64

	ProcessingTimeMs int64
}

var requiredColumns = []string{"income", "deductions", "is_fraud"}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled filings CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	method := flag.String("method", "ensemble", "Scoring method: rules or ensemble")
	limit := flag.Int("limit", 10000, "Maximum filings to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each filing result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/filings.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	endpoint := "/analyze/ensemble"
	switch *method {
	case "ensemble":
	case "rules":
		endpoint = "/analyze"
	default:
		fmt.Printf("ERROR: unknown method %q\n", *method)
		os.Exit(1)
	}

	fmt.Println("HARRIER BENCHMARK")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Method:      %s\n", *method)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier serve")
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	fmt.Printf("\nReading filings from %s...\n", *csvPath)
	filings, err := readFilingsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(filings) == 0 {
		fmt.Println("ERROR: no filings in CSV")
		os.Exit(1)
	}
	fmt.Printf("Loaded %s filings\n", humanize.Comma(int64(len(filings))))

	fraudCount := 0
	for _, f := range filings {
		if f.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud: %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(filings)))
	fmt.Printf("  - Clean: %d (%.2f%%)\n", len(filings)-fraudCount, 100*float64(len(filings)-fraudCount)/float64(len(filings)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(filings, *baseURL+endpoint, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readFilingsCSV(path string, limit int) ([]LabelledFiling, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parseFilings(file, limit)
}

func parseFilings(r io.Reader, limit int) ([]LabelledFiling, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var filings []LabelledFiling
	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			continue // Skip malformed rows
		}

		income, err := decimal.NewFromString(field(record, "income"))
		if err != nil {
			continue
		}
		deductions, err := decimal.NewFromString(field(record, "deductions"))
		if err != nil {
			continue
		}

		id := field(record, "filing_id")
		if id == "" {
			id = fmt.Sprintf("bench-%d", row)
		}
		label := strings.ToLower(field(record, "is_fraud"))

		filings = append(filings, LabelledFiling{
			Filing: domain.Filing{
				FilingID:       id,
				TaxpayerID:     field(record, "taxpayer_id"),
				Income:         income,
				Deductions:     deductions,
				BusinessSector: field(record, "business_sector"),
				TaxPeriod:      field(record, "tax_period"),
			},
			IsFraud: label == "1" || label == "true",
		})

		if limit > 0 && len(filings) >= limit {
			break
		}
	}

	return filings, nil
}

func runBenchmark(filings []LabelledFiling, url, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledFiling, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for lf := range work {
				start := time.Now()
				result, err := analyzeFiling(client, url, tenantID, lf.Filing)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", lf.Filing.FilingID, err)
					}
					continue
				}
				if result.Degraded {
					atomic.AddInt64(&metrics.TotalDegraded, 1)
				}

				metrics.record(result.Flagged, lf.IsFraud)

				if verbose {
					mark := "ok "
					if result.Flagged != lf.IsFraud {
						mark = "ERR"
					}
					fmt.Printf("%s %-12s | Income: %12s | Deductions: %12s | Fraud: %-5v | %-6s (%.3f)\n",
						mark,
						lf.Filing.FilingID,
						lf.Filing.Income.StringFixed(2),
						lf.Filing.Deductions.StringFixed(2),
						lf.IsFraud,
						result.RiskLevel,
						result.RiskScore,
					)
				}
			}
		}()
	}

	for _, lf := range filings {
		work <- lf
	}
	close(work)

	wg.Wait()

	return metrics
}

// record updates the confusion matrix. Safe for concurrent use.
func (m *Metrics) record(predicted, actual bool) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalClean, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Scores returns precision, recall, F1 and accuracy. Empty denominators
// yield zero.
func (m *Metrics) Scores() (precision, recall, f1, accuracy float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return precision, recall, f1, accuracy
}

func analyzeFiling(client *http.Client, url, tenantID string, filing domain.Filing) (*domain.AnalysisResponse, error) {
	// An explicit empty history keeps the benchmark independent of
	// filings stored by earlier runs.
	body, err := json.Marshal(domain.AnalysisRequest{Filing: filing, History: &domain.History{}})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.AnalysisResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Degraded:         %d\n", m.TotalDegraded)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                       Predicted")
	fmt.Println("                  FLAGGED     PASSED")
	fmt.Printf("   Actual  Fraud  %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           Clean  %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision, recall, f1, accuracy := m.Scores()

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f filings/sec\n", fps)
	}

	fmt.Println()
}
