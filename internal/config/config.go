// Package config loads the docgraph configuration from defaults, an optional
// YAML file and DOCGRAPH_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/ai"
	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/identity"
	"github.com/OFFIS-RIT/docgraph/pkg/pipeline"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultFile is read when no file is given and it exists in the working
	// directory.
	DefaultFile = "etl_config.yaml"
	EnvPrefix   = "DOCGRAPH_"

	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	NJobs   int  `koanf:"n_jobs"`
	Debug   bool `koanf:"debug"`
	LogJSON bool `koanf:"log_json"`

	Source         string   `koanf:"source"`
	InputFolder    string   `koanf:"input_folder"`
	FileExtensions []string `koanf:"file_extensions"`
	S3Bucket       string   `koanf:"s3_bucket"`
	S3Prefix       string   `koanf:"s3_prefix"`
	S3Endpoint     string   `koanf:"s3_endpoint"`
	S3Region       string   `koanf:"s3_region"`
	S3AccessKey    string   `koanf:"s3_access_key"`
	S3SecretKey    string   `koanf:"s3_secret_key"`

	ChunkStrategy     string  `koanf:"chunk_strategy"`
	ChunkSize         int     `koanf:"chunk_size"`
	ChunkOverlap      int     `koanf:"chunk_overlap"`
	TokenEncoder      string  `koanf:"token_encoder"`
	SemanticThreshold float64 `koanf:"semantic_threshold"`

	EmbeddingProvider  string `koanf:"embedding_provider"`
	EmbeddingDimension int    `koanf:"embedding_dimension"`
	EmbeddingModel     string `koanf:"embedding_model"`

	ExtractionProvider string        `koanf:"extraction_provider"`
	ExtractionModel    string        `koanf:"extraction_model"`
	ExtractionTemp     float64       `koanf:"extraction_temperature"`
	EntityTypes        []string      `koanf:"entity_types"`
	LLMAPIKey          string        `koanf:"llm_api_key"`
	AIBaseURL          string        `koanf:"ai_base_url"`
	AIMaxConcurrent    int           `koanf:"ai_max_concurrent_requests"`
	AITimeout          time.Duration `koanf:"ai_timeout"`

	GraphStore   string `koanf:"graph_store"`
	GraphDBURL   string `koanf:"graph_db_url"`
	SQLitePath   string `koanf:"sqlite_path"`
	UseLeaseLock bool   `koanf:"use_lease_lock"`

	IdentityScope string        `koanf:"identity_scope"`
	RedisURL      string        `koanf:"redis_url"`
	IdentityTTL   time.Duration `koanf:"identity_ttl"`

	ContinueOnExtractError bool   `koanf:"continue_on_extract_error"`
	AbortOnLoadError       bool   `koanf:"abort_on_load_error"`
	ModelParsePolicy       string `koanf:"model_parse_policy"`
	MaxRetries             int    `koanf:"max_retries"`

	AMQPURL     string `koanf:"amqp_url"`
	IngestQueue string `koanf:"ingest_queue"`

	ServerAddr   string `koanf:"server_addr"`
	MasterAPIKey string `koanf:"master_api_key"`
	JWKSURL      string `koanf:"jwks_url"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		NJobs:                  1,
		Source:                 "local",
		InputFolder:            "data",
		FileExtensions:         []string{".txt"},
		ChunkStrategy:          string(chunker.StrategyRecursive),
		ChunkSize:              1000,
		ChunkOverlap:           0,
		TokenEncoder:           "o200k_base",
		SemanticThreshold:      0.75,
		EmbeddingProvider:      "zero",
		EmbeddingDimension:     768,
		ExtractionProvider:     "openai",
		ExtractionModel:        "gpt-4o-mini",
		ExtractionTemp:         ai.DefaultTemperature,
		EmbeddingModel:         "text-embedding-3-small",
		AIMaxConcurrent:        4,
		AITimeout:              5 * time.Minute,
		GraphStore:             "memory",
		SQLitePath:             "docgraph.db",
		IdentityScope:          string(identity.ScopeNone),
		IdentityTTL:            24 * time.Hour,
		ContinueOnExtractError: true,
		AbortOnLoadError:       true,
		ModelParsePolicy:       string(pipeline.ModelParseEmpty),
		MaxRetries:             1,
		IngestQueue:            "ingest_queue",
		ServerAddr:             ":8080",
	}
}

// Load layers path (or DefaultFile when path is empty and the file exists)
// and the environment over Default and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"file_extensions": true,
	"entity_types":    true,
}

// envValue maps DOCGRAPH_CHUNK_SIZE to chunk_size and splits list values.
func envValue(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	if !listKeys[key] {
		return key, v
	}
	var items []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return io.ReadAll(f)
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %s)", key, value, strings.Join(allowed, ", "))
}

// Validate rejects unknown enum values and sizes that cannot work.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.NJobs < 1 {
		add(fmt.Errorf("n_jobs must be at least 1, got %d", c.NJobs))
	}
	add(oneOf("source", c.Source, "local", "s3"))
	if c.Source == "s3" && c.S3Bucket == "" {
		add(errors.New("s3_bucket is required for the s3 source"))
	}

	if _, err := chunker.ParseStrategy(c.ChunkStrategy); err != nil {
		add(fmt.Errorf("chunk_strategy: %w", err))
	}
	if c.ChunkSize <= 0 {
		add(fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || (c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize) {
		add(fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap))
	}
	if c.SemanticThreshold < -1 || c.SemanticThreshold > 1 {
		add(fmt.Errorf("semantic_threshold must be in [-1, 1], got %v", c.SemanticThreshold))
	}

	add(oneOf("embedding_provider", c.EmbeddingProvider, "openai", "ollama", "zero"))
	if c.EmbeddingDimension <= 0 {
		add(fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension))
	}
	add(oneOf("extraction_provider", c.ExtractionProvider, "openai", "ollama"))
	if c.ExtractionTemp < 0 || c.ExtractionTemp > 2 {
		add(fmt.Errorf("extraction_temperature must be in [0, 2], got %v", c.ExtractionTemp))
	}

	add(oneOf("graph_store", c.GraphStore, "postgres", "sqlite", "memory"))
	if c.GraphStore == "postgres" && c.GraphDBURL == "" {
		add(errors.New("graph_db_url is required for the postgres graph store"))
	}
	if c.UseLeaseLock && c.GraphStore != "postgres" {
		add(errors.New("use_lease_lock needs the postgres graph store"))
	}

	if _, err := identity.ParseScope(c.IdentityScope); err != nil {
		add(fmt.Errorf("identity_scope: %w", err))
	}
	if !pipeline.ModelParsePolicy(c.ModelParsePolicy).IsValid() {
		add(oneOf("model_parse_policy", c.ModelParsePolicy, string(pipeline.ModelParseEmpty), string(pipeline.ModelParseFail)))
	}
	if c.MaxRetries < 1 {
		add(fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Policies returns the pipeline failure policies.
func (c *Config) Policies() pipeline.Policies {
	return pipeline.Policies{
		ContinueOnExtractError: c.ContinueOnExtractError,
		AbortOnLoadError:       c.AbortOnLoadError,
		ModelParse:             pipeline.ModelParsePolicy(c.ModelParsePolicy),
	}
}
