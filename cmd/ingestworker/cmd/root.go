package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/archivesearch/core/internal/blobstore"
	"github.com/archivesearch/core/internal/config"
	"github.com/archivesearch/core/internal/ingest"
	"github.com/archivesearch/core/internal/kv"
	"github.com/archivesearch/core/internal/materializer"
	"github.com/archivesearch/core/internal/modelruntime"
	"github.com/archivesearch/core/internal/progress"
	"github.com/archivesearch/core/internal/queue"
	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/vectorstore"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ingestworker",
	Short: "Consumes chunk and email queues and materializes messages into storage",
	Long: `ingestworker is the background process that drains the chunk and
email queues an upload producer feeds: it reassembles chunked uploads,
parses MIME messages, and writes the result into the relational store,
vector store, and blob store.`,
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
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context(), cfg, logger)
	},
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

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.toml (default ~/.archivesearch/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rs, err := relstore.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open relational store: %w", err)
	}
	defer rs.Close()
	if err := rs.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	vs, err := vectorstore.Open(cfg.VectorDatabasePath(), cfg.Model.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer vs.Close()

	bs, err := blobstore.New(blobstore.Config{
		Backend:   cfg.Blob.Backend,
		LocalRoot: cfg.Blob.LocalRoot,
		Endpoint:  cfg.Blob.Endpoint,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	kvStore, err := kv.New(cfg.Redis.URL,
		time.Duration(cfg.Redis.CarryoverTTL)*time.Second,
		time.Duration(cfg.Redis.DedupTTL)*time.Second)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kvStore.Close()

	chunkQ, err := queue.Dial(cfg.Queue.URL, cfg.Queue.ChunkQueue)
	if err != nil {
		return fmt.Errorf("dial chunk queue: %w", err)
	}
	defer chunkQ.Close()

	emailQ, err := queue.Dial(cfg.Queue.URL, cfg.Queue.EmailQueue)
	if err != nil {
		return fmt.Errorf("dial email queue: %w", err)
	}
	defer emailQ.Close()

	mr := modelruntime.New(cfg.Model.BaseURL, cfg.Model.EmbeddingModel, cfg.Model.ChatModel,
		time.Duration(cfg.Model.TimeoutSeconds)*time.Second)
	mat := materializer.New(rs, vs, bs, mr, logger)
	pt := progress.New(rs)
	pipeline := ingest.New(bs, kvStore, chunkQ, cfg.Queue.ChunkQueue, cfg.Queue.EmailQueue, rs, mat, pt, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runChunkConsumer(gctx, chunkQ, cfg, pipeline, logger)
	})
	g.Go(func() error {
		return runEmailConsumer(gctx, emailQ, cfg, pipeline, logger)
	})
	return g.Wait()
}
