package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/archivesearch/core/internal/config"
	"github.com/archivesearch/core/internal/modelruntime"
	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/retrieval"
	"github.com/archivesearch/core/internal/vectorstore"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a tenant's email archive",
	Long: `search runs a query through the hybrid lexical/dense retrieval
pipeline and prints the ranked results.

Bare words perform full-text search. Gmail-like operators are also
understood:
  from:        Sender email address
  has:         has:attachment - messages with attachments
  before:      Messages before date (YYYY-MM-DD)
  after:       Messages after date (YYYY-MM-DD)

Examples:
  search --tenant acme "renewal pricing"
  search --tenant acme from:alice@example.com budget`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
	RunE: runSearch,
}

// Execute runs the root command with a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context, enabling
// graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

var (
	tenantID    string
	searchLimit int
	searchOffs  int
	searchJSON  bool
	fromAddrs   []string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.toml (default ~/.archivesearch/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id to search within (required)")
	rootCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
	rootCmd.Flags().IntVar(&searchOffs, "offset", 0, "result offset for pagination")
	rootCmd.Flags().BoolVar(&searchJSON, "json", false, "emit results as JSON")
	rootCmd.Flags().StringArrayVar(&fromAddrs, "from", nil, "restrict to messages from this sender (repeatable)")
	rootCmd.MarkFlagRequired("tenant")
}

func openPipeline(cfg *config.Config, logger *slog.Logger) (*retrieval.Pipeline, func(), error) {
	rs, err := relstore.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open relational store: %w", err)
	}

	vs, err := vectorstore.Open(cfg.VectorDatabasePath(), cfg.Model.EmbeddingDim)
	if err != nil {
		rs.Close()
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}

	mr := modelruntime.New(cfg.Model.BaseURL, cfg.Model.EmbeddingModel, cfg.Model.ChatModel,
		time.Duration(cfg.Model.TimeoutSeconds)*time.Second)

	closeAll := func() {
		vs.Close()
		rs.Close()
	}
	return retrieval.New(rs, vs, mr, logger), closeAll, nil
}
