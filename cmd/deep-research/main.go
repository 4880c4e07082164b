package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/app"
	"github.com/mikeboe/deep-research/pkg/citations"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	topic     string
	breadth   int
	noStream  bool
	outputDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "deep-research",
		SilenceUsage: true,
		Short:        "A terminal-based deep research agent",
		Long: `deep-research plans a set of research questions for a topic, searches and reads
the web for each of them, and writes a cited report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			// Logs go to stderr so the streamed report can be piped
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

			if !cmd.Flags().Changed("topic") {
				// Interactive Mode
				reader := bufio.NewReader(os.Stdin)
				fmt.Print("Enter research topic: ")
				input, _ := reader.ReadString('\n')
				topic = strings.TrimSpace(input)
			}
			if strings.TrimSpace(topic) == "" {
				return fmt.Errorf("topic cannot be empty")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runResearch(ctx, cfg)
		},
	}

	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "The research topic")
	rootCmd.Flags().IntVarP(&breadth, "breadth", "b", 0, "Number of research questions (default from BREADTH)")
	rootCmd.Flags().BoolVar(&noStream, "no-stream", false, "Print the final report at the end instead of streaming it")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory for the report and sources files")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runResearch(ctx context.Context, cfg *config.Config) error {
	var db *database.PostgresDB
	if cfg.IndexBackend == "pgvector" {
		var err error
		db, err = database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	a, err := app.New(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}

	rc := cfg.Research()
	if breadth > 0 {
		rc.Breadth = breadth
	}
	if noStream {
		rc.StreamFinal = false
	}

	researcher, err := a.NewResearcher(rc, slog.Default())
	if err != nil {
		return err
	}

	slog.Info("Starting research", "topic", topic, "breadth", rc.Breadth)

	streamed := false
	sink := func(e research.Event) {
		switch ev := e.(type) {
		case research.TextEvent:
			if !noStream {
				fmt.Print(ev.Text)
				streamed = true
			}
		case research.TrajectoryEvent:
			slog.Info(ev.Title, "detail", ev.Content)
		case research.GeneratingCitationsEvent:
			slog.Info("Generating citations")
		case research.CitationEvent:
			slog.Debug("Citation", "url", ev.Citation.URL, "start", ev.Citation.StartIndex, "end", ev.Citation.EndIndex)
		}
	}

	result, err := researcher.Run(ctx, []research.Message{{Role: "user", Content: topic}}, sink)
	if err != nil {
		return err
	}

	if streamed {
		fmt.Println()
	} else {
		fmt.Println(result.Report)
	}
	printCitations(result.Citations)

	reportPath, sourcesPath, err := writeOutputs(outputDir, result)
	if err != nil {
		return err
	}
	slog.Info("Research complete", "report", reportPath, "sources", sourcesPath, "citations", len(result.Citations))
	return nil
}

func printCitations(cites []citations.Citation) {
	if len(cites) == 0 {
		return
	}
	fmt.Println("\n--- Citations ---")
	for i, c := range cites {
		fmt.Printf("[%d] %q\n    %s (%s)\n", i+1, c.ContextText, c.Title, c.URL)
	}
}

func writeOutputs(dir string, result *research.Result) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var b strings.Builder
	b.WriteString(result.Report)
	if len(result.Sources) > 0 {
		b.WriteString("\n\n## Sources\n\n")
		for i, s := range result.Sources {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, s.Title, s.URL)
		}
	}

	reportPath := filepath.Join(dir, fmt.Sprintf("report_%s.md", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(reportPath, []byte(b.String()), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write report: %w", err)
	}

	data, err := json.MarshalIndent(result.Sources, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode sources: %w", err)
	}
	sourcesPath := filepath.Join(dir, "sources.json")
	if err := os.WriteFile(sourcesPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write sources: %w", err)
	}
	return reportPath, sourcesPath, nil
}
