package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Profile is the configuration to start the server.
type Profile struct {
	// Mode can be "prod" or "dev".
	Mode string
	// Addr is the binding address for the server.
	Addr string
	// Port is the binding port for the server.
	Port int
	// Data is the data directory.
	Data string
	// Driver is the database driver: sqlite, postgres or mysql.
	Driver string
	// DSN points to where the database is stored.
	DSN string
	// Catalog is the YAML file describing agents and silos.
	Catalog string
	// Version is the current version of the server.
	Version string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaURL       string

	EmbeddingProvider string
	EmbeddingModel    string

	// TokenEncoding is the tiktoken encoding used to estimate history size.
	TokenEncoding string
	// MemoryActiveTrimming lets the memory policy modify histories instead
	// of only observing them.
	MemoryActiveTrimming bool
	// WorkerPoolSize bounds concurrent attachment processing.
	WorkerPoolSize int
	// ToolServerTimeout bounds discovery per external tool server.
	ToolServerTimeout time.Duration

	// PublicBaseURL and FileSigningKey enable signed image URLs.
	PublicBaseURL  string
	FileSigningKey string

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate fills defaults and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}

	if p.Data == "" {
		p.Data = "./data"
	}
	dataDir, err := filepath.Abs(p.Data)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	p.Data = dataDir

	switch p.Driver {
	case "", "sqlite":
		p.Driver = "sqlite"
		if p.DSN == "" {
			p.DSN = filepath.Join(p.Data, fmt.Sprintf("agentcore_%s.db", p.Mode))
		}
	case "postgres", "mysql":
		if p.DSN == "" {
			return fmt.Errorf("driver %s requires a dsn", p.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Catalog == "" {
		return fmt.Errorf("an agent catalog is required")
	}
	if p.TokenEncoding == "" {
		p.TokenEncoding = "cl100k_base"
	}
	if p.WorkerPoolSize <= 0 {
		p.WorkerPoolSize = 10
	}
	if p.ToolServerTimeout <= 0 {
		p.ToolServerTimeout = 15 * time.Second
	}
	p.PublicBaseURL = strings.TrimRight(p.PublicBaseURL, "/")
	if p.PublicBaseURL != "" && p.FileSigningKey == "" {
		slog.Warn("public base url set without a file signing key; images will be inlined")
	}
	return nil
}
