// Benchmark tool for replaying labeled votes against ballotwatch.
//
// Usage:
//
//	go run ./cmd/benchmark -csv votes.csv -url http://localhost:8000
//	go run ./cmd/benchmark -generate 5000 -url http://localhost:8000
//
// This tool:
//  1. Reads labeled votes from a CSV file or synthesizes them
//  2. Sends each vote to POST /analyze-vote in timestamp order
//  3. Compares each verdict's is_fraud with the label
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/dataset"
	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Legitimate vote flagged
	TrueNegatives  int64 // Legitimate vote passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalDegraded  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to a labeled vote CSV file")
	generate := flag.Int("generate", 0, "Replay N synthetic votes instead of a CSV")
	seed := flag.Uint64("seed", 7, "Seed for synthetic votes")
	baseURL := flag.String("url", "http://localhost:8000", "ballotwatch base URL")
	limit := flag.Int("limit", 10000, "Maximum votes to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraudulent votes")
	verbose := flag.Bool("verbose", false, "Print each vote result")
	flag.Parse()

	if *csvPath == "" && *generate <= 0 {
		fmt.Println("Usage: benchmark -csv votes.csv | -generate N [-url http://localhost:8000]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("BALLOTWATCH BENCHMARK - labeled vote replay")
	fmt.Printf("\nSource:      %s\n", source(*csvPath, *generate))
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: ballotwatch not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure ballotwatch is running with a trained model:")
		fmt.Println("  go run ./cmd/train -generate 40000")
		fmt.Println("  go run ./cmd/ballotwatch")
		os.Exit(1)
	}
	fmt.Println("ballotwatch is ready")

	votes, err := loadVotes(*csvPath, *generate, *seed, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to load votes: %v\n", err)
		os.Exit(1)
	}
	if len(votes) == 0 {
		fmt.Println("ERROR: no labeled votes to replay")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d votes\n", len(votes))

	fraudCount := 0
	for _, v := range votes {
		if *v.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(votes)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(votes)-fraudCount, 100*float64(len(votes)-fraudCount)/float64(len(votes)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(votes, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func source(csvPath string, generate int) string {
	if csvPath != "" {
		return csvPath
	}
	return fmt.Sprintf("%d synthetic votes", generate)
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// loadVotes returns labeled votes sorted by timestamp so that per-voter
// history builds up as it did at collection time.
func loadVotes(csvPath string, generate int, seed uint64, limit int, fraudOnly bool) ([]*domain.LabeledVote, error) {
	var (
		votes []*domain.LabeledVote
		err   error
	)
	if csvPath != "" {
		votes, err = dataset.ReadCSV(csvPath, dataset.ReadOptions{Limit: limit, FraudOnly: fraudOnly})
		if err != nil {
			return nil, err
		}
	} else {
		cfg := dataset.DefaultGeneratorConfig()
		cfg.Votes = generate
		cfg.Seed = seed
		gen, err := dataset.NewGenerator(cfg)
		if err != nil {
			return nil, err
		}
		for _, v := range gen.Generate() {
			if fraudOnly && !*v.IsFraud {
				continue
			}
			votes = append(votes, v)
		}
		if limit > 0 && len(votes) > limit {
			votes = votes[:limit]
		}
	}

	labeled := votes[:0]
	for _, v := range votes {
		if v.IsFraud != nil {
			labeled = append(labeled, v)
		}
	}
	sort.SliceStable(labeled, func(i, j int) bool {
		return labeled[i].Timestamp.Before(labeled[j].Timestamp)
	})
	return labeled, nil
}

func runBenchmark(votes []*domain.LabeledVote, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan *domain.LabeledVote, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for v := range work {
				start := time.Now()
				verdict, err := analyzeVote(client, baseURL, v)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", v.VoteID, err)
					}
					continue
				}
				if verdict.Degraded() {
					atomic.AddInt64(&metrics.TotalDegraded, 1)
				}

				actual := *v.IsFraud
				if actual {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := verdict.IsFraud
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

				if verbose {
					status := "ok "
					if predicted != actual {
						status = "ERR"
					}
					fmt.Printf("%s %-12s | voter: %-12s | fraud: %-5v | flagged: %-5v (%.2f, %s) | %v\n",
						status,
						v.VoteID,
						v.VoterID,
						actual,
						predicted,
						verdict.FraudProbability,
						verdict.Confidence,
						verdict.Indicators,
					)
				}
			}
		}()
	}

	for _, v := range votes {
		work <- v
	}
	close(work)

	wg.Wait()

	return metrics
}

func analyzeVote(client *http.Client, baseURL string, v *domain.LabeledVote) (*domain.Verdict, error) {
	session := v.SessionDuration
	body, err := json.Marshal(&domain.VoteRequest{
		VoteID:            v.VoteID,
		VoterID:           v.VoterID,
		CandidateID:       v.CandidateID,
		LocationID:        v.LocationID,
		Timestamp:         v.Timestamp.UTC().Format(time.RFC3339Nano),
		VotingMethod:      v.VotingMethod,
		IPAddress:         v.IPAddress,
		SessionDuration:   &session,
		DeviceFingerprint: v.DeviceFingerprint,
		TransactionHash:   v.TransactionHash,
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/analyze-vote", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var verdict domain.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Degraded:         %d\n", m.TotalDegraded)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  FRAUD      CLEAN")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

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

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nDETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, float64(m.TruePositives)/float64(m.TotalFraud)*100)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalFraud, float64(m.FalseNegatives)/float64(m.TotalFraud)*100)
	}
	if m.TotalNonFraud > 0 {
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, float64(m.FalsePositives)/float64(m.TotalNonFraud)*100)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f votes/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
