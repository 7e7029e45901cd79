package naturekg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the NatureKG engine.
type Config struct {
	// Backend selects the graph store: "sqlite" (default) or "neo4j".
	Backend string `json:"backend" yaml:"backend"`

	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.naturekg/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "naturekg".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database and checkpoint logs live when
	// DBPath is not explicitly set. Options: "home" (default) uses
	// ~/.naturekg/, "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Neo4j connection, used when Backend is "neo4j".
	Neo4j Neo4jConfig `json:"neo4j" yaml:"neo4j"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match the embedding model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking
	MaxChunkChars int `json:"max_chunk_chars" yaml:"max_chunk_chars"`
	ChunkOverlap  int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Retrieval
	TopK            int `json:"top_k" yaml:"top_k"`
	TraversalDepth  int `json:"traversal_depth" yaml:"traversal_depth"`
	MaxContextItems int `json:"max_context_items" yaml:"max_context_items"`

	// Pipeline
	CallTimeoutSeconds int `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`

	// GlossaryPath optionally points to an XLSX sheet of extra TNFD terms
	// layered over the built-in glossary.
	GlossaryPath string `json:"glossary_path" yaml:"glossary_path"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// Neo4jConfig configures the optional Neo4j backend.
type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// DefaultConfig returns a Config with sensible defaults for local
// inference. Database is stored in ~/.naturekg/naturekg.db by default.
func DefaultConfig() Config {
	return Config{
		Backend:    "sqlite",
		DBName:     "naturekg",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:       768,
		MaxChunkChars:      1000,
		ChunkOverlap:       200,
		TopK:               5,
		TraversalDepth:     2,
		MaxContextItems:    25,
		CallTimeoutSeconds: 60,
	}
}

// LoadConfig reads a YAML config file layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", "sqlite", "neo4j":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Backend == "neo4j" && c.Neo4j.URI == "" {
		return fmt.Errorf("%w: neo4j backend needs a uri", ErrInvalidConfig)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("%w: negative embedding_dim", ErrInvalidConfig)
	}
	if c.MaxChunkChars < 0 || c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: negative chunking values", ErrInvalidConfig)
	}
	if c.MaxChunkChars > 0 && c.ChunkOverlap >= c.MaxChunkChars {
		return fmt.Errorf("%w: chunk_overlap must be smaller than max_chunk_chars", ErrInvalidConfig)
	}
	if c.TraversalDepth < 0 {
		return fmt.Errorf("%w: negative traversal_depth", ErrInvalidConfig)
	}
	return nil
}

// resolveDBPath computes the final SQLite database path.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	name := c.DBName
	if name == "" {
		name = "naturekg"
	}
	return filepath.Join(c.storageRoot(), name+".db")
}

// checkpointPath computes the pipeline log path for one source document.
func (c *Config) checkpointPath(sourceDoc string) string {
	return filepath.Join(c.storageRoot(), "checkpoints", sourceDoc+".jsonl")
}

func (c *Config) storageRoot() string {
	switch c.StorageDir {
	case "local", "cwd":
		return "."
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, ".naturekg")
	}
}
