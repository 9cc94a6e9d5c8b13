package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.65")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.65 {
		t.Fatalf("expected 0.65, got %f", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "not-a-number")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid float, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="not-a-number" is not a valid float` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvStrSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", "a, b ,c")
	got := envStrSlice("TEST_SLICE", []string{"fallback"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestEnvStrSliceFallback(t *testing.T) {
	got := envStrSlice("TEST_SLICE_MISSING", []string{"fallback"})
	if len(got) != 1 || got[0] != "fallback" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("COGMEM_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid COGMEM_PORT")
	}
	if got := err.Error(); !contains(got, "COGMEM_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention COGMEM_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("COGMEM_PORT", "abc")
	t.Setenv("COGMEM_EMBEDDING_DIMENSIONS", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "COGMEM_PORT") {
		t.Fatalf("error should mention COGMEM_PORT, got: %s", got)
	}
	if !contains(got, "COGMEM_EMBEDDING_DIMENSIONS") {
		t.Fatalf("error should mention COGMEM_EMBEDDING_DIMENSIONS, got: %s", got)
	}
}

func TestLoadFailsOnPlaceholderDatabaseURL(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://CHANGEME@localhost:5432/cogmem")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with a placeholder COGMEM_DATABASE_URL")
	}
	if got := err.Error(); !contains(got, "COGMEM_DATABASE_URL") {
		t.Fatalf("error should mention COGMEM_DATABASE_URL, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("expected default port 8090, got %d", cfg.Port)
	}
	if cfg.WorkingMemoryCapacity != 10 {
		t.Fatalf("expected default working memory capacity 10, got %d", cfg.WorkingMemoryCapacity)
	}
	if cfg.CriticalThreshold != 0.8 {
		t.Fatalf("expected default critical threshold 0.8, got %f", cfg.CriticalThreshold)
	}
	if cfg.RRFConstant != 60 {
		t.Fatalf("expected default RRF constant 60, got %d", cfg.RRFConstant)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_EmbeddingProviderSelection(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("COGMEM_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("OLLAMA_URL", "http://localhost:11434")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.EmbeddingProvider != "ollama" {
		t.Fatalf("expected EmbeddingProvider %q, got %q", "ollama", cfg.EmbeddingProvider)
	}
	if cfg.OllamaURL != "http://localhost:11434" {
		t.Fatalf("expected OllamaURL %q, got %q", "http://localhost:11434", cfg.OllamaURL)
	}
}

func TestLoad_QdrantURLValidation(t *testing.T) {
	t.Run("explicit URL", func(t *testing.T) {
		t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
		qdrantURL := "https://qdrant.example.com:6334"
		t.Setenv("QDRANT_URL", qdrantURL)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("expected Load() to succeed, got: %v", err)
		}
		if cfg.QdrantURL != qdrantURL {
			t.Fatalf("expected QdrantURL %q, got %q", qdrantURL, cfg.QdrantURL)
		}
	})

	t.Run("empty default", func(t *testing.T) {
		t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
		// QDRANT_URL is not set; default should be empty.
		cfg, err := Load()
		if err != nil {
			t.Fatalf("expected Load() to succeed, got: %v", err)
		}
		if cfg.QdrantURL != "" {
			t.Fatalf("expected empty QdrantURL by default, got %q", cfg.QdrantURL)
		}
	})
}

func TestLoad_OpenAIAPIKeyFileValidation(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	bogusPath := "/tmp/cogmem-test-nonexistent-key-file.pem"
	t.Setenv("OPENAI_API_KEY_FILE", bogusPath)

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when OPENAI_API_KEY_FILE points to a nonexistent file")
	}
	got := err.Error()
	if !contains(got, bogusPath) {
		t.Fatalf("error should mention the path %q, got: %s", bogusPath, got)
	}
	if !contains(got, "OPENAI_API_KEY_FILE") {
		t.Fatalf("error should mention OPENAI_API_KEY_FILE, got: %s", got)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("COGMEM_DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("COGMEM_PORT", "9090")
	t.Setenv("COGMEM_EMBEDDING_DIMENSIONS", "768")
	t.Setenv("OTEL_SERVICE_NAME", "cogmem-test")
	t.Setenv("COGMEM_LOG_LEVEL", "debug")
	t.Setenv("COGMEM_WORKING_MEMORY_CAPACITY", "25")
	t.Setenv("COGMEM_CRITICAL_THRESHOLD", "0.75")
	t.Setenv("COGMEM_RRF_CONSTANT", "80")
	t.Setenv("COGMEM_SEMANTIC_WEIGHT", "0.6")
	t.Setenv("COGMEM_KEYWORD_WEIGHT", "0.2")
	t.Setenv("COGMEM_GRAPH_WEIGHT", "0.2")
	t.Setenv("COGMEM_RELATIONAL_KEYWORDS_EN", "related to, depends on")
	t.Setenv("COGMEM_PROVIDER_MAX_RETRIES", "6")
	t.Setenv("COGMEM_PROVIDER_BASE_BACKOFF", "2s")
	t.Setenv("COGMEM_RETRIEVAL_DEADLINE", "2s")
	t.Setenv("COGMEM_GRAPH_TRAVERSAL_DEADLINE", "150ms")
	t.Setenv("COGMEM_GRAPH_PATH_DEADLINE", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected Port 9090, got %d", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://test:test@db:5432/testdb" {
		t.Fatalf("expected DatabaseURL %q, got %q", "postgres://test:test@db:5432/testdb", cfg.DatabaseURL)
	}
	if cfg.EmbeddingDimensions != 768 {
		t.Fatalf("expected EmbeddingDimensions 768, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.ServiceName != "cogmem-test" {
		t.Fatalf("expected ServiceName %q, got %q", "cogmem-test", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel %q, got %q", "debug", cfg.LogLevel)
	}
	if cfg.WorkingMemoryCapacity != 25 {
		t.Fatalf("expected WorkingMemoryCapacity 25, got %d", cfg.WorkingMemoryCapacity)
	}
	if cfg.CriticalThreshold != 0.75 {
		t.Fatalf("expected CriticalThreshold 0.75, got %f", cfg.CriticalThreshold)
	}
	if cfg.RRFConstant != 80 {
		t.Fatalf("expected RRFConstant 80, got %d", cfg.RRFConstant)
	}
	if cfg.SemanticWeight != 0.6 {
		t.Fatalf("expected SemanticWeight 0.6, got %f", cfg.SemanticWeight)
	}
	if cfg.KeywordWeight != 0.2 {
		t.Fatalf("expected KeywordWeight 0.2, got %f", cfg.KeywordWeight)
	}
	if cfg.GraphWeight != 0.2 {
		t.Fatalf("expected GraphWeight 0.2, got %f", cfg.GraphWeight)
	}
	if len(cfg.RelationalKeywordsEN) != 2 {
		t.Fatalf("expected 2 relational keywords, got %d", len(cfg.RelationalKeywordsEN))
	}
	if cfg.RelationalKeywordsEN[0] != "related to" || cfg.RelationalKeywordsEN[1] != "depends on" {
		t.Fatalf("unexpected relational keywords: %v", cfg.RelationalKeywordsEN)
	}
	if cfg.ProviderMaxRetries != 6 {
		t.Fatalf("expected ProviderMaxRetries 6, got %d", cfg.ProviderMaxRetries)
	}
	if cfg.ProviderBaseBackoff != 2*time.Second {
		t.Fatalf("expected ProviderBaseBackoff 2s, got %s", cfg.ProviderBaseBackoff)
	}
	if cfg.RetrievalDeadline != 2*time.Second {
		t.Fatalf("expected RetrievalDeadline 2s, got %s", cfg.RetrievalDeadline)
	}
	if cfg.GraphTraversalDeadline != 150*time.Millisecond {
		t.Fatalf("expected GraphTraversalDeadline 150ms, got %s", cfg.GraphTraversalDeadline)
	}
	if cfg.GraphPathDeadline != 500*time.Millisecond {
		t.Fatalf("expected GraphPathDeadline 500ms, got %s", cfg.GraphPathDeadline)
	}
}
