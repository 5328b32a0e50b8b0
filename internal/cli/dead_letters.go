package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/retryq/internal/control"
	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/worker"
	"github.com/vietddude/retryq/internal/infra/storage"
)

var (
	dlSink     string
	dlCategory string
	dlLimit    int
	pruneAge   time.Duration
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List archived dead letters",
	Run:   runDeadLetters,
}

var pruneCmd = &cobra.Command{
	Use:   "prune-dead-letters",
	Short: "Delete archived dead letters older than a retention",
	Run:   runPrune,
}

func init() {
	deadLettersCmd.Flags().StringVar(&dlSink, "sink", "", "archive to read: postgres, redis or memory (default: first configured)")
	deadLettersCmd.Flags().StringVar(&dlCategory, "category", "", "only show this failure category")
	deadLettersCmd.Flags().IntVar(&dlLimit, "limit", 50, "maximum number of entries")
	rootCmd.AddCommand(deadLettersCmd)

	pruneCmd.Flags().StringVar(&dlSink, "sink", "", "archive to prune (default: all configured)")
	pruneCmd.Flags().DurationVar(&pruneAge, "older-than", 0, "retention (default archive.retention)")
	rootCmd.AddCommand(pruneCmd)
}

func runDeadLetters(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	filter := storage.ListFilter{Limit: dlLimit}
	if dlCategory != "" {
		category, err := domain.ParseFailureCategory(dlCategory)
		if err != nil {
			slog.Error("Invalid category", "error", err)
			os.Exit(1)
		}
		filter.Category = category
	}

	archives, err := control.OpenArchives(ctx, cfg.Archive, false, slog.Default())
	if err != nil {
		slog.Error("Failed to open archive", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = archives.Close()
	}()

	repo, err := archives.Lookup(dlSink)
	if err != nil {
		slog.Error("No archive to read", "error", err)
		os.Exit(1)
	}

	letters, err := repo.List(ctx, filter)
	if err != nil {
		slog.Error("Failed to list dead letters", "error", err)
		os.Exit(1)
	}
	printDeadLetters(os.Stdout, letters)
}

func printDeadLetters(out io.Writer, letters []*domain.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tREASON\tATTEMPTS\tDEAD_LETTERED\tERROR")
	for _, dl := range letters {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.MessageID, dl.Category, dl.Reason, dl.Attempts,
			dl.DeadLetteredAt.Format(time.RFC3339), truncate(dl.LastError, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runPrune(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	retention := pruneAge
	if retention == 0 {
		retention = cfg.Archive.Retention
	}
	if retention <= 0 {
		slog.Error("No retention given: set --older-than or archive.retention")
		os.Exit(1)
	}

	archives, err := control.OpenArchives(ctx, cfg.Archive, false, slog.Default())
	if err != nil {
		slog.Error("Failed to open archive", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = archives.Close()
	}()

	repos := archives.Repos
	if dlSink != "" {
		repo, err := archives.Lookup(dlSink)
		if err != nil {
			slog.Error("No archive to prune", "error", err)
			os.Exit(1)
		}
		repos = map[string]storage.DeadLetterRepository{dlSink: repo}
	}

	n, err := worker.NewPruner(retention, repos, slog.Default()).Prune(ctx)
	if err != nil {
		slog.Error("Prune incomplete", "deleted", n, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d dead letters older than %s\n", n, retention)
}
