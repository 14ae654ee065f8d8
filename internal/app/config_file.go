package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// FileConfig is the single-file configuration schema. Nested sections map
// naturally to the env keys and flags.
type FileConfig struct {
	Backend struct {
		Type              string        `yaml:"type" json:"type"`
		Endpoint          string        `yaml:"endpoint" json:"endpoint"`
		Model             string        `yaml:"model" json:"model"`
		ConnectTimeout    time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
		ReadTimeout       time.Duration `yaml:"readTimeout" json:"readTimeout"`
		RetryAttempts     *int          `yaml:"retryAttempts" json:"retryAttempts"`
		RetryInitialDelay time.Duration `yaml:"retryInitialDelay" json:"retryInitialDelay"`
	} `yaml:"backend" json:"backend"`

	Health struct {
		Timeout   time.Duration `yaml:"timeout" json:"timeout"`
		OnStartup *bool         `yaml:"onStartup" json:"onStartup"`
	} `yaml:"health" json:"health"`

	Tools struct {
		MaxIterations        int           `yaml:"maxIterations" json:"maxIterations"`
		LoopTimeout          time.Duration `yaml:"loopTimeout" json:"loopTimeout"`
		FirstIterationChoice string        `yaml:"firstIterationChoice" json:"firstIterationChoice"`
		MaxResultChars       int           `yaml:"maxResultChars" json:"maxResultChars"`
	} `yaml:"tools" json:"tools"`

	Prompt struct {
		Path    string `yaml:"path" json:"path"`
		Default string `yaml:"default" json:"default"`
	} `yaml:"prompt" json:"prompt"`

	Temperature *float32 `yaml:"temperature" json:"temperature"`

	Server struct {
		Host string `yaml:"host" json:"host"`
		Port int    `yaml:"port" json:"port"`
	} `yaml:"server" json:"server"`

	RAG struct {
		Enabled  *bool  `yaml:"enabled" json:"enabled"`
		BaseURL  string `yaml:"baseURL" json:"baseURL"`
		CacheDir string `yaml:"cacheDir" json:"cacheDir"`

		Crawl struct {
			MaxDepth        int           `yaml:"maxDepth" json:"maxDepth"`
			MaxPages        int           `yaml:"maxPages" json:"maxPages"`
			RequestTimeout  time.Duration `yaml:"requestTimeout" json:"requestTimeout"`
			RateLimitDelay  time.Duration `yaml:"rateLimitDelay" json:"rateLimitDelay"`
			UserAgent       string        `yaml:"userAgent" json:"userAgent"`
			ManualURLs      []string      `yaml:"manualURLs" json:"manualURLs"`
			ManualURLsOnly  *bool         `yaml:"manualURLsOnly" json:"manualURLsOnly"`
			IncludePatterns []string      `yaml:"includePatterns" json:"includePatterns"`
			ExcludePatterns []string      `yaml:"excludePatterns" json:"excludePatterns"`
		} `yaml:"crawl" json:"crawl"`

		Update struct {
			PageCacheTTLHours float64 `yaml:"pageCacheTTLHours" json:"pageCacheTTLHours"`
			IntervalHours     float64 `yaml:"intervalHours" json:"intervalHours"`
			BatchSize         int     `yaml:"batchSize" json:"batchSize"`
			RebuildThreshold  float64 `yaml:"rebuildThreshold" json:"rebuildThreshold"`
		} `yaml:"update" json:"update"`

		Chunk struct {
			ChildSize       int `yaml:"childSize" json:"childSize"`
			ChildMinTokens  int `yaml:"childMinTokens" json:"childMinTokens"`
			ParentSize      int `yaml:"parentSize" json:"parentSize"`
			ParentMinTokens int `yaml:"parentMinTokens" json:"parentMinTokens"`
		} `yaml:"chunk" json:"chunk"`

		Search struct {
			LexicalWeight         float64 `yaml:"lexicalWeight" json:"lexicalWeight"`
			SemanticWeight        float64 `yaml:"semanticWeight" json:"semanticWeight"`
			TopK                  int     `yaml:"topK" json:"topK"`
			CandidateMultiplier   int     `yaml:"candidateMultiplier" json:"candidateMultiplier"`
			ParentContextMaxChars int     `yaml:"parentContextMaxChars" json:"parentContextMaxChars"`
		} `yaml:"search" json:"search"`

		Embedding struct {
			Model string `yaml:"model" json:"model"`
		} `yaml:"embedding" json:"embedding"`

		Rerank struct {
			Enabled  *bool  `yaml:"enabled" json:"enabled"`
			Model    string `yaml:"model" json:"model"`
			Endpoint string `yaml:"endpoint" json:"endpoint"`
		} `yaml:"rerank" json:"rerank"`

		Contextual struct {
			Enabled *bool `yaml:"enabled" json:"enabled"`
		} `yaml:"contextual" json:"contextual"`
	} `yaml:"rag" json:"rag"`

	Verbose *bool `yaml:"verbose" json:"verbose"`
}

// LoadConfigFile reads YAML or JSON into FileConfig.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays file values onto cfg. It runs after defaults and
// before the environment, so env and flags keep precedence over the file.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}

	if fc.Backend.Type != "" {
		cfg.BackendType = BackendType(fc.Backend.Type)
	}
	if fc.Backend.Endpoint != "" {
		cfg.BackendEndpoint = fc.Backend.Endpoint
	}
	if fc.Backend.Model != "" {
		cfg.BackendModel = fc.Backend.Model
	}
	if fc.Backend.ConnectTimeout > 0 {
		cfg.BackendConnectTimeout = fc.Backend.ConnectTimeout
	}
	if fc.Backend.ReadTimeout > 0 {
		cfg.BackendReadTimeout = fc.Backend.ReadTimeout
	}
	if fc.Backend.RetryAttempts != nil && *fc.Backend.RetryAttempts >= 0 {
		cfg.BackendRetryAttempts = *fc.Backend.RetryAttempts
	}
	if fc.Backend.RetryInitialDelay > 0 {
		cfg.BackendRetryInitialDelay = fc.Backend.RetryInitialDelay
	}
	if fc.Health.Timeout > 0 {
		cfg.HealthCheckTimeout = fc.Health.Timeout
	}
	if fc.Health.OnStartup != nil {
		cfg.HealthCheckOnStartup = *fc.Health.OnStartup
	}

	if fc.Tools.MaxIterations > 0 {
		cfg.MaxToolIterations = fc.Tools.MaxIterations
	}
	if fc.Tools.LoopTimeout > 0 {
		cfg.ToolLoopTimeout = fc.Tools.LoopTimeout
	}
	if fc.Tools.FirstIterationChoice != "" {
		cfg.FirstIterationToolChoice = fc.Tools.FirstIterationChoice
	}
	if fc.Tools.MaxResultChars > 0 {
		cfg.MaxToolResultChars = fc.Tools.MaxResultChars
	}

	if fc.Prompt.Path != "" {
		cfg.SystemPromptPath = fc.Prompt.Path
	}
	if fc.Prompt.Default != "" {
		cfg.DefaultSystemPrompt = fc.Prompt.Default
	}
	if fc.Temperature != nil && *fc.Temperature >= 0 {
		cfg.DefaultTemperature = *fc.Temperature
	}

	if fc.Server.Host != "" {
		cfg.BindHost = fc.Server.Host
	}
	if fc.Server.Port > 0 {
		cfg.BindPort = fc.Server.Port
	}
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}

	r := &cfg.RAG
	if fc.RAG.Enabled != nil {
		r.Enabled = *fc.RAG.Enabled
	}
	if fc.RAG.BaseURL != "" {
		r.BaseURL = fc.RAG.BaseURL
	}
	if fc.RAG.CacheDir != "" {
		r.CacheDir = fc.RAG.CacheDir
	}
	if fc.RAG.Crawl.MaxDepth > 0 {
		r.MaxCrawlDepth = fc.RAG.Crawl.MaxDepth
	}
	if fc.RAG.Crawl.MaxPages > 0 {
		r.MaxPages = fc.RAG.Crawl.MaxPages
	}
	if fc.RAG.Crawl.RequestTimeout > 0 {
		r.RequestTimeout = fc.RAG.Crawl.RequestTimeout
	}
	if fc.RAG.Crawl.RateLimitDelay > 0 {
		r.RateLimitDelay = fc.RAG.Crawl.RateLimitDelay
	}
	if fc.RAG.Crawl.UserAgent != "" {
		r.UserAgent = fc.RAG.Crawl.UserAgent
	}
	if len(fc.RAG.Crawl.ManualURLs) > 0 {
		r.ManualURLs = fc.RAG.Crawl.ManualURLs
	}
	if fc.RAG.Crawl.ManualURLsOnly != nil {
		r.ManualURLsOnly = *fc.RAG.Crawl.ManualURLsOnly
	}
	if len(fc.RAG.Crawl.IncludePatterns) > 0 {
		r.IncludePatterns = fc.RAG.Crawl.IncludePatterns
	}
	if len(fc.RAG.Crawl.ExcludePatterns) > 0 {
		r.ExcludePatterns = fc.RAG.Crawl.ExcludePatterns
	}
	if fc.RAG.Update.PageCacheTTLHours > 0 {
		r.PageCacheTTL = time.Duration(fc.RAG.Update.PageCacheTTLHours * float64(time.Hour))
	}
	if fc.RAG.Update.IntervalHours > 0 {
		r.UpdateInterval = time.Duration(fc.RAG.Update.IntervalHours * float64(time.Hour))
	}
	if fc.RAG.Update.BatchSize > 0 {
		r.UpdateBatchSize = fc.RAG.Update.BatchSize
	}
	if fc.RAG.Update.RebuildThreshold > 0 {
		r.RebuildThreshold = fc.RAG.Update.RebuildThreshold
	}
	if fc.RAG.Chunk.ChildSize > 0 {
		r.ChildChunkSize = fc.RAG.Chunk.ChildSize
	}
	if fc.RAG.Chunk.ChildMinTokens > 0 {
		r.ChildChunkMinTokens = fc.RAG.Chunk.ChildMinTokens
	}
	if fc.RAG.Chunk.ParentSize > 0 {
		r.ParentChunkSize = fc.RAG.Chunk.ParentSize
	}
	if fc.RAG.Chunk.ParentMinTokens > 0 {
		r.ParentChunkMinTokens = fc.RAG.Chunk.ParentMinTokens
	}
	if fc.RAG.Search.LexicalWeight > 0 {
		r.LexicalWeight = fc.RAG.Search.LexicalWeight
	}
	if fc.RAG.Search.SemanticWeight > 0 {
		r.SemanticWeight = fc.RAG.Search.SemanticWeight
	}
	if fc.RAG.Search.TopK > 0 {
		r.SearchTopK = fc.RAG.Search.TopK
	}
	if fc.RAG.Search.CandidateMultiplier > 0 {
		r.CandidateMultiplier = fc.RAG.Search.CandidateMultiplier
	}
	if fc.RAG.Search.ParentContextMaxChars > 0 {
		r.ParentContextMaxChars = fc.RAG.Search.ParentContextMaxChars
	}
	if fc.RAG.Embedding.Model != "" {
		r.EmbeddingModel = fc.RAG.Embedding.Model
	}
	if fc.RAG.Rerank.Enabled != nil {
		r.RerankEnabled = *fc.RAG.Rerank.Enabled
	}
	if fc.RAG.Rerank.Model != "" {
		r.RerankModel = fc.RAG.Rerank.Model
	}
	if fc.RAG.Rerank.Endpoint != "" {
		r.RerankEndpoint = fc.RAG.Rerank.Endpoint
	}
	if fc.RAG.Contextual.Enabled != nil {
		r.ContextualEnabled = *fc.RAG.Contextual.Enabled
	}
}
