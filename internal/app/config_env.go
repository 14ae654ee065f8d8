package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces the gateway's variables. Each key is looked up with
// the prefix first and bare second, so GOASSIST_BACKEND_MODEL wins over
// BACKEND_MODEL when both are set.
const envPrefix = "GOASSIST_"

func lookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v, true
	}
	return os.LookupEnv(key)
}

func envString(dst *string, key string) {
	if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) {
	if v, ok := lookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := lookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envFloat32(dst *float32, key string) {
	if v, ok := lookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 32); err == nil {
			*dst = float32(f)
		}
	}
}

// envSeconds parses either a bare number of seconds or a Go duration string.
func envSeconds(dst *time.Duration, key string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// envHours parses a number of hours (the unit the original knobs use).
func envHours(dst *time.Duration, key string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		*dst = time.Duration(f * float64(time.Hour))
	}
}

func envBool(dst *bool, key string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// envList splits a comma-separated value into trimmed non-empty entries.
func envList(dst *[]string, key string) {
	v, ok := lookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// ApplyEnvOverrides overrides cfg fields from the environment when the
// corresponding variables are set. File values lose to env; flags applied
// afterwards in main stay highest precedence.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v, ok := lookupEnv("BACKEND_TYPE"); ok && strings.TrimSpace(v) != "" {
		cfg.BackendType = BackendType(strings.TrimSpace(strings.ToLower(v)))
	}
	envString(&cfg.BackendEndpoint, "BACKEND_ENDPOINT")
	envString(&cfg.BackendModel, "BACKEND_MODEL")
	envSeconds(&cfg.BackendConnectTimeout, "BACKEND_CONNECT_TIMEOUT")
	envSeconds(&cfg.BackendReadTimeout, "BACKEND_READ_TIMEOUT")
	envInt(&cfg.BackendRetryAttempts, "BACKEND_RETRY_ATTEMPTS")
	envSeconds(&cfg.BackendRetryInitialDelay, "BACKEND_RETRY_INITIAL_DELAY")
	envSeconds(&cfg.HealthCheckTimeout, "HEALTH_CHECK_TIMEOUT")
	envBool(&cfg.HealthCheckOnStartup, "HEALTH_CHECK_ON_STARTUP")

	envInt(&cfg.MaxToolIterations, "MAX_TOOL_ITERATIONS")
	envSeconds(&cfg.ToolLoopTimeout, "TOOL_LOOP_TIMEOUT")
	envString(&cfg.FirstIterationToolChoice, "FIRST_ITERATION_TOOL_CHOICE")
	envInt(&cfg.MaxToolResultChars, "MAX_TOOL_RESULT_CHARS")

	envString(&cfg.SystemPromptPath, "SYSTEM_PROMPT_PATH")
	envFloat32(&cfg.DefaultTemperature, "DEFAULT_TEMPERATURE")

	envString(&cfg.BindHost, "BIND_HOST")
	envInt(&cfg.BindPort, "BIND_PORT")
	envBool(&cfg.Verbose, "VERBOSE")

	envBool(&cfg.RAG.Enabled, "RAG_ENABLED")
	envString(&cfg.RAG.BaseURL, "BASE_URL")
	envString(&cfg.RAG.CacheDir, "CACHE_DIR")
	envInt(&cfg.RAG.MaxCrawlDepth, "MAX_CRAWL_DEPTH")
	envInt(&cfg.RAG.MaxPages, "MAX_PAGES")
	envSeconds(&cfg.RAG.RequestTimeout, "REQUEST_TIMEOUT")
	envSeconds(&cfg.RAG.RateLimitDelay, "RATE_LIMIT_DELAY")
	envString(&cfg.RAG.UserAgent, "USER_AGENT")
	envList(&cfg.RAG.ManualURLs, "MANUAL_URLS")
	envBool(&cfg.RAG.ManualURLsOnly, "MANUAL_URLS_ONLY")
	envList(&cfg.RAG.IncludePatterns, "URL_INCLUDE_PATTERNS")
	envList(&cfg.RAG.ExcludePatterns, "URL_EXCLUDE_PATTERNS")

	envHours(&cfg.RAG.PageCacheTTL, "PAGE_CACHE_TTL_HOURS")
	envHours(&cfg.RAG.UpdateInterval, "UPDATE_INTERVAL_HOURS")
	envInt(&cfg.RAG.UpdateBatchSize, "UPDATE_BATCH_SIZE")
	envFloat(&cfg.RAG.RebuildThreshold, "REBUILD_THRESHOLD")

	envInt(&cfg.RAG.ChildChunkSize, "CHILD_CHUNK_SIZE")
	envInt(&cfg.RAG.ChildChunkMinTokens, "CHILD_CHUNK_MIN_TOKENS")
	envInt(&cfg.RAG.ParentChunkSize, "PARENT_CHUNK_SIZE")
	envInt(&cfg.RAG.ParentChunkMinTokens, "PARENT_CHUNK_MIN_TOKENS")

	envFloat(&cfg.RAG.LexicalWeight, "HYBRID_LEXICAL_WEIGHT")
	envFloat(&cfg.RAG.SemanticWeight, "HYBRID_SEMANTIC_WEIGHT")
	envInt(&cfg.RAG.SearchTopK, "SEARCH_TOP_K")
	envInt(&cfg.RAG.CandidateMultiplier, "RETRIEVER_CANDIDATE_MULTIPLIER")
	envInt(&cfg.RAG.ParentContextMaxChars, "PARENT_CONTEXT_MAX_CHARS")

	envString(&cfg.RAG.EmbeddingModel, "EMBEDDING_MODEL")
	envBool(&cfg.RAG.RerankEnabled, "RERANK_ENABLED")
	envString(&cfg.RAG.RerankModel, "RERANK_MODEL")
	envString(&cfg.RAG.RerankEndpoint, "RERANK_ENDPOINT")
	envBool(&cfg.RAG.ContextualEnabled, "CONTEXTUAL_ENABLED")
}
