// Command ingest runs the extraction pipeline over one report and prints
// the run summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tnfdlab/naturekg"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	chunkRange := flag.String("range", "", "Chunk index range start:end (end exclusive, empty end means open)")
	offset := flag.Int("offset", 0, "Skip chunks below this index")
	resume := flag.Bool("resume", false, "Resume after the last completed chunk in the checkpoint log")
	flag.Parse()

	// Logs on stderr so stdout carries only the summary JSON.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] <report file>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	// Best effort: a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	applyEnv(&cfg)

	engine, err := naturekg.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	var opts []naturekg.IngestOption
	if *chunkRange != "" {
		start, end, err := parseRange(*chunkRange)
		if err != nil {
			slog.Error("parsing -range", "error", err)
			os.Exit(2)
		}
		opts = append(opts, naturekg.WithChunkRange(start, end))
	}
	if *offset > 0 {
		opts = append(opts, naturekg.WithOffset(*offset))
	}
	if *resume {
		opts = append(opts, naturekg.WithResume())
	}

	// Cancel the run cleanly on SIGINT/SIGTERM; the checkpoint log makes
	// it resumable.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := engine.IngestReport(ctx, path, opts...)
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(summary)
	}
	if err != nil {
		slog.Error("ingest failed", "path", path, "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (naturekg.Config, error) {
	if path == "" {
		return naturekg.DefaultConfig(), nil
	}
	return naturekg.LoadConfig(path)
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *naturekg.Config) {
	if v := os.Getenv("NATUREKG_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("NATUREKG_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		cfg.Neo4j.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("NEO4J_DATABASE"); v != "" {
		cfg.Neo4j.Database = v
	}
	if v := os.Getenv("NATUREKG_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("NATUREKG_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("NATUREKG_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("NATUREKG_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("NATUREKG_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("NATUREKG_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("NATUREKG_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("NATUREKG_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	// Fallback: well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" {
		cfg.Chat.APIKey = providerKey(cfg.Chat.Provider)
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = providerKey(cfg.Embedding.Provider)
	}
}

func providerKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// parseRange parses "start:end" where end is exclusive and may be empty.
func parseRange(s string) (int, int, error) {
	startStr, endStr, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("range %q is not start:end", s)
	}
	start := 0
	if startStr != "" {
		var err error
		start, err = strconv.Atoi(startStr)
		if err != nil || start < 0 {
			return 0, 0, fmt.Errorf("bad range start %q", startStr)
		}
	}
	end := 0
	if endStr != "" {
		var err error
		end, err = strconv.Atoi(endStr)
		if err != nil || end <= start {
			return 0, 0, fmt.Errorf("bad range end %q", endStr)
		}
	}
	return start, end, nil
}
