// Benchmark tool for testing Granary against labelled ration-order data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/orders.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labelled order data (with leakage labels)
//   2. Sends each store's orders to Granary as an audit batch
//   3. Compares Granary's flagged orders with the actual leakage labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns:
//   store_id, order_id, beneficiary_id, items, total_amount, is_leakage
// where items is a semicolon-separated list of legacy display strings,
// e.g. "Raw Rice (25kg); Sugar (2kg)".
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledOrder represents a row from the benchmark dataset.
type LabelledOrder struct {
	StoreID       string
	OrderID       string
	BeneficiaryID string
	Items         []string
	TotalAmount   float64
	IsLeakage     bool
}

// OrderRequest mirrors the audit batch item format.
type OrderRequest struct {
	ID            string   `json:"id"`
	StoreID       string   `json:"storeId"`
	BeneficiaryID string   `json:"beneficiaryId"`
	LegacyItems   []string `json:"legacyItems"`
	TotalAmount   float64  `json:"totalAmount"`
}

// AuditBatchRequest is the POST /audits/{storeID} body.
type AuditBatchRequest struct {
	Orders []OrderRequest `json:"orders"`
}

// AuditReportResponse is the subset of the audit report we score against.
type AuditReportResponse struct {
	ID             string  `json:"id"`
	RiskLevel      string  `json:"riskLevel"`
	ComplianceRate float64 `json:"complianceRate"`
	Issues         []struct {
		OrderID string  `json:"orderId"`
		Kind    string  `json:"kind"`
		Score   float64 `json:"riskScore"`
	} `json:"issues"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Leakage flagged by the audit
	FalsePositives int64 // Clean order flagged
	TrueNegatives  int64 // Clean order passed
	FalseNegatives int64 // Leakage missed

	TotalProcessed int64
	TotalLeakage   int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled order CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Granary base URL")
	districtID := flag.String("district", "benchmark-test", "District ID for requests")
	limit := flag.Int("limit", 10000, "Maximum orders to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent store batches")
	verbose := flag.Bool("verbose", false, "Print each store batch result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          GRANARY BENCHMARK - PDS Leakage Detection            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Granary URL: %s\n", *baseURL)
	fmt.Printf("District ID: %s\n", *districtID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Granary not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Granary is running:")
		fmt.Println("  cd granary && go run cmd/granary/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Granary is healthy")

	fmt.Printf("\nReading order data from %s...\n", *csvPath)
	orders, err := readOrderCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d orders\n", len(orders))

	leakageCount := 0
	for _, o := range orders {
		if o.IsLeakage {
			leakageCount++
		}
	}
	fmt.Printf("  - Leakage: %d (%.2f%%)\n", leakageCount, 100*float64(leakageCount)/float64(len(orders)))
	fmt.Printf("  - Clean:   %d (%.2f%%)\n", len(orders)-leakageCount, 100*float64(len(orders)-leakageCount)/float64(len(orders)))

	// Group per store so each batch audits together, the way the
	// engine sees them in production.
	batches := make(map[string][]LabelledOrder)
	for _, o := range orders {
		batches[o.StoreID] = append(batches[o.StoreID], o)
	}
	fmt.Printf("  - Stores:  %d\n", len(batches))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(batches, *baseURL, *districtID, *workers, *verbose)
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

func readOrderCSV(path string, limit int) ([]LabelledOrder, error) {
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

	for _, required := range []string{"store_id", "order_id", "beneficiary_id", "items", "total_amount", "is_leakage"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var orders []LabelledOrder

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := strconv.ParseFloat(record[colIndex["total_amount"]], 64)

		var items []string
		for _, item := range strings.Split(record[colIndex["items"]], ";") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}

		orders = append(orders, LabelledOrder{
			StoreID:       record[colIndex["store_id"]],
			OrderID:       record[colIndex["order_id"]],
			BeneficiaryID: record[colIndex["beneficiary_id"]],
			Items:         items,
			TotalAmount:   amount,
			IsLeakage:     record[colIndex["is_leakage"]] == "1",
		})

		if limit > 0 && len(orders) >= limit {
			break
		}
	}

	return orders, nil
}

func runBenchmark(batches map[string][]LabelledOrder, baseURL, districtID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan string, len(batches))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for storeID := range work {
				batch := batches[storeID]

				start := time.Now()
				report, err := auditBatch(client, baseURL, districtID, storeID, batch)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, int64(len(batch)))

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, int64(len(batch)))
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", storeID, err)
					}
					continue
				}

				flagged := make(map[string]bool, len(report.Issues))
				for _, issue := range report.Issues {
					flagged[issue.OrderID] = true
				}

				for _, o := range batch {
					if o.IsLeakage {
						atomic.AddInt64(&metrics.TotalLeakage, 1)
					} else {
						atomic.AddInt64(&metrics.TotalClean, 1)
					}

					predicted := flagged[o.OrderID]
					actual := o.IsLeakage

					switch {
					case predicted && actual:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}
				}

				if verbose {
					fmt.Printf("%-12s | Orders: %4d | Issues: %4d | Risk: %-8s | Compliance: %6.2f%%\n",
						storeID,
						len(batch),
						len(report.Issues),
						report.RiskLevel,
						report.ComplianceRate,
					)
				}
			}
		}()
	}

	for storeID := range batches {
		work <- storeID
	}
	close(work)

	wg.Wait()

	return metrics
}

func auditBatch(client *http.Client, baseURL, districtID, storeID string, batch []LabelledOrder) (*AuditReportResponse, error) {
	req := AuditBatchRequest{Orders: make([]OrderRequest, 0, len(batch))}
	for _, o := range batch {
		req.Orders = append(req.Orders, OrderRequest{
			ID:            o.OrderID,
			StoreID:       storeID,
			BeneficiaryID: o.BeneficiaryID,
			LegacyItems:   o.Items,
			TotalAmount:   o.TotalAmount,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/audits/"+storeID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-District-ID", districtID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var report AuditReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}

	return &report, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Leakage:    %d\n", m.TotalLeakage)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Flagged      Passed")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  L  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
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
	fmt.Printf("   Precision:  %.4f  (of flagged orders, how many were actual leakage)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of leakage, how much did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalLeakage > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalLeakage) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalLeakage) * 100
		fmt.Printf("   Leakage Caught:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalLeakage, detectionRate)
		fmt.Printf("   Leakage Missed:    %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalLeakage, missRate)
	}
	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		ops := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms/order\n", avgMs)
		fmt.Printf("   Throughput:       %.2f orders/sec\n", ops)
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most leakage")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some leakage")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant leakage being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most leakage is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
