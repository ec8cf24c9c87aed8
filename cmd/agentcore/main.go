package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/internal/profile"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/attachment"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/filefetch"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/toolserver"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/vectorstore"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/server/agent"
	apiv1 "github.com/lksnext-ai-lab/ai-core-tools-sub001/server/router/api/v1"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/catalog"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/mysql"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/postgres"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/sqlite"
)

const version = "0.1.0"

// envKeyReplacer maps flag names to AGENTCORE_* variables.
var envKeyReplacer = strings.NewReplacer("-", "_")

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Agent execution server with conversational memory.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:                 viper.GetString("mode"),
			Addr:                 viper.GetString("addr"),
			Port:                 viper.GetInt("port"),
			Data:                 viper.GetString("data"),
			Driver:               viper.GetString("driver"),
			DSN:                  viper.GetString("dsn"),
			Catalog:              viper.GetString("catalog"),
			Version:              version,
			OpenAIAPIKey:         viper.GetString("openai-api-key"),
			OpenAIBaseURL:        viper.GetString("openai-base-url"),
			AnthropicAPIKey:      viper.GetString("anthropic-api-key"),
			OllamaURL:            viper.GetString("ollama-url"),
			EmbeddingProvider:    viper.GetString("embedding-provider"),
			EmbeddingModel:       viper.GetString("embedding-model"),
			TokenEncoding:        viper.GetString("token-encoding"),
			MemoryActiveTrimming: viper.GetBool("memory-active-trimming"),
			WorkerPoolSize:       viper.GetInt("worker-pool-size"),
			ToolServerTimeout:    viper.GetDuration("tool-server-timeout"),
			PublicBaseURL:        viper.GetString("public-base-url"),
			FileSigningKey:       viper.GetString("file-signing-key"),
			S3Region:             viper.GetString("s3-region"),
			S3Endpoint:           viper.GetString("s3-endpoint"),
			S3AccessKeyID:        viper.GetString("s3-access-key-id"),
			S3SecretAccessKey:    viper.GetString("s3-secret-access-key"),
		}
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		setupLogger(instanceProfile)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, instanceProfile)
	},
}

func init() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("embedding-provider", "openai")
	viper.SetDefault("embedding-model", "text-embedding-3-small")
	viper.SetDefault("token-encoding", memory.DefaultEncoding)

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver: sqlite, postgres or mysql")
	flags.String("dsn", "", "database source name (connection string)")
	flags.String("catalog", "", "agent catalog YAML file")
	flags.String("openai-api-key", "", "default OpenAI API key")
	flags.String("openai-base-url", "", "default OpenAI-compatible endpoint")
	flags.String("anthropic-api-key", "", "default Anthropic API key")
	flags.String("ollama-url", "", "default Ollama server URL")
	flags.String("embedding-provider", "openai", "embedding provider for retrieval: openai or ollama")
	flags.String("embedding-model", "text-embedding-3-small", "embedding model for retrieval")
	flags.String("token-encoding", memory.DefaultEncoding, "tiktoken encoding used to size histories")
	flags.Bool("memory-active-trimming", false, "let memory policies trim and summarise histories")
	flags.Int("worker-pool-size", 10, "concurrent attachment jobs")
	flags.Duration("tool-server-timeout", 15*time.Second, "discovery timeout per tool server")
	flags.String("public-base-url", "", "public URL used for signed image links")
	flags.String("file-signing-key", "", "secret for signed image links")
	flags.String("s3-region", "", "region for s3:// file URLs")
	flags.String("s3-endpoint", "", "custom S3 endpoint")
	flags.String("s3-access-key-id", "", "S3 access key id")
	flags.String("s3-secret-access-key", "", "S3 secret access key")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("agentcore")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
}

func setupLogger(p *profile.Profile) {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if !p.IsDev() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "postgres":
		return postgres.NewDB(p.DSN)
	case "mysql":
		return mysql.NewDB(p.DSN)
	default:
		return sqlite.NewDB(p.DSN)
	}
}

func run(ctx context.Context, p *profile.Profile) error {
	// ── 1. Store ──────────────────────────────────────────────────────────────
	agents, err := catalog.Load(p.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	driver, err := newDriver(p)
	if err != nil {
		return fmt.Errorf("open %s database: %w", p.Driver, err)
	}
	s := store.New(driver, agents)
	slog.Info("catalog loaded", "path", p.Catalog, "agents", agents.Agents())
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// ── 2. Plugins ────────────────────────────────────────────────────────────
	embeddingURL, embeddingKey := p.OpenAIBaseURL, p.OpenAIAPIKey
	if p.EmbeddingProvider == "ollama" {
		embeddingURL, embeddingKey = p.OllamaURL, ""
	}
	vectors, err := vectorstore.New(filepath.Join(p.Data, "vectors"),
		vectorstore.NewEmbeddingFunc(p.EmbeddingProvider, embeddingURL, embeddingKey, p.EmbeddingModel))
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}

	pool := attachment.NewPool(p.WorkerPoolSize)
	defer pool.Close()
	files, err := attachment.NewFileStore(filepath.Join(p.Data, "files"))
	if err != nil {
		return err
	}
	var signer *attachment.Signer
	if p.FileSigningKey != "" {
		signer = attachment.NewSigner(p.FileSigningKey, attachment.DefaultURLTTL)
	}
	preparer := attachment.NewPreparer(pool, attachment.Config{
		PublicBaseURL: p.PublicBaseURL,
		Files:         files,
		Signer:        signer,
	})

	// ── 3. Agents ─────────────────────────────────────────────────────────────
	checkpointers := agent.NewStoreCheckpointers(s)
	builder := agent.NewBuilder(agent.BuilderOptions{
		Models: llm.NewResolver(llm.Credentials{
			OpenAIAPIKey:    p.OpenAIAPIKey,
			OpenAIBaseURL:   p.OpenAIBaseURL,
			AnthropicAPIKey: p.AnthropicAPIKey,
			OllamaURL:       p.OllamaURL,
		}),
		Agents:      s,
		Retriever:   vectors,
		ToolServers: toolserver.NewProvider("agentcore", p.Version, p.ToolServerTimeout),
		Fetcher: filefetch.New(filefetch.S3Config{
			Region:          p.S3Region,
			Endpoint:        p.S3Endpoint,
			AccessKeyID:     p.S3AccessKeyID,
			SecretAccessKey: p.S3SecretAccessKey,
		}),
		Checkpointers: checkpointers,
		Orchestrator: memory.NewOrchestrator(
			memory.NewEstimator(p.TokenEncoding),
			memory.WithActiveTrimming(p.MemoryActiveTrimming),
		),
	})
	coordinator := agent.NewCoordinator(s, builder, preparer, checkpointers)

	// ── 4. HTTP ───────────────────────────────────────────────────────────────
	e := echo.New()
	e.Use(middleware.Recover())
	apiv1.NewAPIV1Service(coordinator, s, vectors, files, signer).RegisterRoutes(e)

	srv := &http.Server{
		Addr:              net.JoinHostPort(p.Addr, strconv.Itoa(p.Port)),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentcore started", "version", p.Version, "mode", p.Mode, "addr", srv.Addr, "driver", p.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("agentcore exited", "err", err)
		os.Exit(1)
	}
}
