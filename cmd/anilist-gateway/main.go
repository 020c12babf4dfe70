package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/anilist-gql-client/internal/config"
	"github.com/Sternrassler/anilist-gql-client/pkg/batcher"
	"github.com/Sternrassler/anilist-gql-client/pkg/classify"
	"github.com/Sternrassler/anilist-gql-client/pkg/client"
	"github.com/Sternrassler/anilist-gql-client/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "anilist-gateway",
	Short: "Caching, request-coalescing gateway for the AniList GraphQL API",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var classifyVars string

var classifyCmd = &cobra.Command{
	Use:   "classify [query]",
	Short: "Print the cache classification of a query",
	Long:  `Prints the category, tags and revalidation interval the gateway would use for a query.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	classifyCmd.Flags().StringVar(&classifyVars, "vars", "", "query variables as a JSON object")
	rootCmd.AddCommand(serveCmd, classifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	anilist, err := client.New(clientConfig(cfg, redisClient))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if configPath != "" {
		go watchConfig(ctx, configPath)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           newServer(anilist, cfg.Server.RevalidateToken).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("endpoint", cfg.Upstream.Endpoint).
			Str("user_agent", cfg.Upstream.UserAgent).
			Bool("redis", redisClient != nil).
			Msg("Starting AniList gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := anilist.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("In-flight batches abandoned")
	}

	return nil
}

// watchConfig applies log level changes from the config file. Everything
// else needs a restart.
func watchConfig(ctx context.Context, path string) {
	logger := logging.NewLogger("config")
	err := config.Watch(ctx, path, logger, func(cfg *config.Config) {
		logging.SetLevel(logging.LogLevel(cfg.Log.Level))
		logger.Info().Str("level", cfg.Log.Level).Msg("Log level applied")
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Config reload disabled")
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	var vars map[string]any
	if classifyVars != "" {
		if err := json.Unmarshal([]byte(classifyVars), &vars); err != nil {
			return fmt.Errorf("parse --vars: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(classify.Classify(args[0], vars))
}

func clientConfig(cfg *config.Config, redisClient *redis.Client) client.Config {
	cc := client.DefaultConfig(redisClient, cfg.Upstream.UserAgent)
	cc.Endpoint = cfg.Upstream.Endpoint
	cc.Timeout = cfg.Upstream.Timeout
	cc.Batch = batcher.Config{
		MaxBatchSize:       cfg.Batch.MaxSize,
		Delay:              cfg.Batch.Delay,
		PositionalFallback: cfg.Batch.PositionalFallback,
	}
	cc.DisableCache = !cfg.Cache.Enabled
	cc.MemoryCacheSize = cfg.Cache.MemorySize
	return cc
}

// connectRedis returns nil when url is empty.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return redisClient, nil
}
