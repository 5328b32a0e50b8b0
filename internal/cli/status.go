package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/retryq/internal/health"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue health of a running service",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "service address (default localhost:<server.port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	addr := statusAddr
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := fetchReport(ctx, "http://"+addr+"/health/detailed")
	if err != nil {
		slog.Error("Failed to query service", "addr", addr, "error", err)
		os.Exit(1)
	}

	printReport(os.Stdout, report)
}

func fetchReport(ctx context.Context, url string) (*health.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

func printReport(out io.Writer, r *health.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tPENDING\tPROCESSING\tDEAD_LETTER\tBREAKER")
	_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.Status, r.Queue.Pending, r.Queue.Processing, r.Queue.DeadLetter, r.Breaker)
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nenqueued=%d completed=%d retried=%d dead_lettered=%d recovered=%d\n",
		r.Stats.Enqueued, r.Stats.Completed, r.Stats.Retried, r.Stats.DeadLettered, r.Stats.Recovered)

	if len(r.Archives) > 0 {
		names := make([]string, 0, len(r.Archives))
		for name := range r.Archives {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(out, "archive %s: %d\n", name, r.Archives[name])
		}
	}
	for _, issue := range r.Issues {
		_, _ = fmt.Fprintf(out, "! %s\n", issue)
	}
}
