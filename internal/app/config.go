package app

import (
	"fmt"
	"strings"
	"time"
)

// BackendType selects the wire dialect spoken to the inference backend.
type BackendType string

const (
	// BackendNative is the native local-inference dialect (Ollama style):
	// /api/chat, tool arguments as JSON objects, temperature under options.
	BackendNative BackendType = "native"
	// BackendOpenAICompatible is the OpenAI chat-completions dialect
	// (LM Studio, llama-server): /v1/chat/completions, tool arguments as
	// JSON strings, temperature at top level.
	BackendOpenAICompatible BackendType = "openai-compatible"
)

// Config holds the frozen runtime configuration for the gateway. It is
// assembled once at startup (defaults, then config file, then environment,
// then flags) and never mutated afterwards.
type Config struct {
	// Backend
	BackendType              BackendType
	BackendEndpoint          string
	BackendModel             string
	BackendConnectTimeout    time.Duration
	BackendReadTimeout       time.Duration
	BackendRetryAttempts     int
	BackendRetryInitialDelay time.Duration
	HealthCheckTimeout       time.Duration
	HealthCheckOnStartup     bool

	// Tool loop
	MaxToolIterations        int
	ToolLoopTimeout          time.Duration
	FirstIterationToolChoice string
	MaxToolResultChars       int

	// Prompting
	SystemPromptPath    string
	DefaultSystemPrompt string
	DefaultTemperature  float32

	// Server
	BindHost string
	BindPort int

	// RAG
	RAG RAGConfig

	Verbose bool
}

// RAGConfig holds the documentation-index settings. Zero BaseURL disables
// the index entirely.
type RAGConfig struct {
	Enabled  bool
	BaseURL  string
	CacheDir string

	// Crawl
	MaxCrawlDepth   int
	MaxPages        int
	RequestTimeout  time.Duration
	RateLimitDelay  time.Duration
	UserAgent       string
	ManualURLs      []string
	ManualURLsOnly  bool
	IncludePatterns []string
	ExcludePatterns []string

	// Freshness
	PageCacheTTL     time.Duration
	UpdateInterval   time.Duration
	UpdateBatchSize  int
	RebuildThreshold float64

	// Chunking
	ChildChunkSize       int
	ChildChunkMinTokens  int
	ParentChunkSize      int
	ParentChunkMinTokens int

	// Retrieval
	LexicalWeight         float64
	SemanticWeight        float64
	SearchTopK            int
	CandidateMultiplier   int
	ParentContextMaxChars int

	// Models
	EmbeddingModel string
	RerankEnabled  bool
	RerankModel    string
	RerankEndpoint string

	// Contextual enrichment
	ContextualEnabled bool
}

// minUpdateInterval guards against pathological refresh churn.
const minUpdateInterval = 5 * time.Minute

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		BackendType:              BackendNative,
		BackendEndpoint:          "http://localhost:11434",
		BackendModel:             "",
		BackendConnectTimeout:    10 * time.Second,
		BackendReadTimeout:       300 * time.Second,
		BackendRetryAttempts:     3,
		BackendRetryInitialDelay: time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckOnStartup:     true,

		MaxToolIterations:        5,
		ToolLoopTimeout:          120 * time.Second,
		FirstIterationToolChoice: "auto",
		MaxToolResultChars:       20000,

		SystemPromptPath:    "",
		DefaultSystemPrompt: "You are a helpful assistant.",
		DefaultTemperature:  0.0,

		BindHost: "127.0.0.1",
		BindPort: 8000,

		RAG: RAGConfig{
			Enabled:          false,
			CacheDir:         ".goassist/rag",
			MaxCrawlDepth:    3,
			MaxPages:         500,
			RequestTimeout:   30 * time.Second,
			RateLimitDelay:   100 * time.Millisecond,
			UserAgent:        "goassist-rag/1.0",
			PageCacheTTL:     168 * time.Hour,
			UpdateInterval:   time.Hour,
			UpdateBatchSize:  50,
			RebuildThreshold: 0.3,

			ChildChunkSize:       350,
			ChildChunkMinTokens:  150,
			ParentChunkSize:      900,
			ParentChunkMinTokens: 300,

			LexicalWeight:         0.3,
			SemanticWeight:        0.7,
			SearchTopK:            5,
			CandidateMultiplier:   3,
			ParentContextMaxChars: 500,

			EmbeddingModel: "nomic-embed-text",
			RerankEnabled:  false,
			RerankModel:    "",
			RerankEndpoint: "",
		},
	}
}

// Validate normalises derived fields and rejects configurations the rest of
// the system cannot honour. It is the single bounds check; downstream code
// trusts the values.
func (c *Config) Validate() error {
	switch c.BackendType {
	case BackendNative, BackendOpenAICompatible:
	case "":
		c.BackendType = BackendNative
	default:
		return fmt.Errorf("unknown backend type %q", c.BackendType)
	}
	if strings.TrimSpace(c.BackendEndpoint) == "" {
		return fmt.Errorf("backend endpoint is required")
	}
	c.BackendEndpoint = strings.TrimRight(strings.TrimSpace(c.BackendEndpoint), "/")
	if strings.TrimSpace(c.BackendModel) == "" {
		return fmt.Errorf("backend model is required")
	}
	if c.BackendRetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be >= 0, got %d", c.BackendRetryAttempts)
	}
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("max tool iterations must be >= 1, got %d", c.MaxToolIterations)
	}
	if c.ToolLoopTimeout < 0 {
		return fmt.Errorf("tool loop timeout must be >= 0")
	}
	switch c.FirstIterationToolChoice {
	case "auto", "required", "none":
	case "":
		c.FirstIterationToolChoice = "auto"
	default:
		return fmt.Errorf("first iteration tool choice must be auto, required or none, got %q", c.FirstIterationToolChoice)
	}
	if c.DefaultTemperature < 0 {
		return fmt.Errorf("default temperature must be >= 0")
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind port out of range: %d", c.BindPort)
	}

	if c.RAG.Enabled {
		if strings.TrimSpace(c.RAG.BaseURL) == "" && len(c.RAG.ManualURLs) == 0 {
			return fmt.Errorf("rag enabled but no base URL or manual URLs configured")
		}
		if c.RAG.UpdateInterval < minUpdateInterval {
			c.RAG.UpdateInterval = minUpdateInterval
		}
		if c.RAG.UpdateBatchSize < 1 {
			c.RAG.UpdateBatchSize = 50
		}
		if c.RAG.RebuildThreshold <= 0 || c.RAG.RebuildThreshold > 1 {
			return fmt.Errorf("rebuild threshold must be in (0,1], got %v", c.RAG.RebuildThreshold)
		}
		sum := c.RAG.LexicalWeight + c.RAG.SemanticWeight
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("hybrid weights must sum to 1.0, got %v", sum)
		}
		if c.RAG.ChildChunkMinTokens >= c.RAG.ChildChunkSize {
			return fmt.Errorf("child chunk min tokens %d must be below target %d", c.RAG.ChildChunkMinTokens, c.RAG.ChildChunkSize)
		}
		if c.RAG.SearchTopK < 1 {
			return fmt.Errorf("search top_k must be >= 1")
		}
		if c.RAG.CandidateMultiplier < 1 {
			c.RAG.CandidateMultiplier = 1
		}
		if c.RAG.RerankEnabled && strings.TrimSpace(c.RAG.RerankEndpoint) == "" {
			return fmt.Errorf("rerank enabled but no rerank endpoint configured")
		}
	}
	return nil
}

// IsLoopback reports whether the configured bind host is a loopback address.
// Binding anything else deserves a warning: the surface is unauthenticated.
func (c *Config) IsLoopback() bool {
	h := strings.TrimSpace(c.BindHost)
	return h == "" || h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}
