package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Poll the metrics endpoint and print live counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", url)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := printMetricsSnapshot(ctx, url); err != nil {
					fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				}
			}
		}
	},
}

// statsSeries are summed across label sets.
var statsSeries = []string{
	"df_connectivity_samples_total",
	"df_connectivity_errors_total",
	"df_connectivity_active_connections",
	"df_connectivity_queue_length",
	"df_connectivity_wal_size_bytes",
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	totals, err := sumSeries(resp.Body, statsSeries)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] connections=%.0f samples=%.0f errors=%.0f queue=%.0f wal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		totals["df_connectivity_active_connections"],
		totals["df_connectivity_samples_total"],
		totals["df_connectivity_errors_total"],
		totals["df_connectivity_queue_length"],
		totals["df_connectivity_wal_size_bytes"],
	)
	return nil
}

// sumSeries reads the Prometheus text format and sums every sample of the
// named series, whatever its labels.
func sumSeries(r io.Reader, names []string) (map[string]float64, error) {
	totals := make(map[string]float64, len(names))
	for _, n := range names {
		totals[n] = 0
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := line
		if i := strings.IndexAny(line, "{ "); i >= 0 {
			name = line[:i]
		}
		if _, ok := totals[name]; !ok {
			continue
		}
		fields := strings.Fields(line[strings.LastIndexByte(line, '}')+1:])
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		totals[name] += v
	}
	return totals, scanner.Err()
}
