package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	Workflow WorkflowConfig
	Provider ProviderConfig
	Session  SessionConfig
	Archive  ArchiveConfig
}

type WorkflowConfig struct {
	// MaxRefinements caps reject-then-regenerate rounds per turn.
	MaxRefinements int
}

type ProviderConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

type SessionConfig struct {
	// Path of the JSON fallback store; SESSION_STORE_PG_DSN overrides it.
	Path  string
	PGDSN string
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	provider, err := loadProviderConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:     *port,
		Env:      env,
		Workflow: WorkflowConfig{MaxRefinements: intFromEnv("MAX_REFINEMENTS", 3)},
		Provider: provider,
		Session: SessionConfig{
			Path:  firstNonEmpty(strings.TrimSpace(os.Getenv("SESSION_STORE_PATH")), "tmp/sessions.json"),
			PGDSN: strings.TrimSpace(os.Getenv("SESSION_STORE_PG_DSN")),
		},
		Archive: loadArchiveConfig(env),
	}, nil
}

func loadProviderConfig() (ProviderConfig, error) {
	key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if key == "" {
		return ProviderConfig{}, fmt.Errorf("config: GEMINI_API_KEY is required")
	}
	timeout := time.Duration(intFromEnv("PROVIDER_TIMEOUT_SECONDS", 60)) * time.Second
	return ProviderConfig{
		APIKey:  key,
		Model:   firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_MODEL")), "gemini-2.5-flash"),
		Timeout: timeout,
	}, nil
}

func loadArchiveConfig(env string) ArchiveConfig {
	endpoint := resolveArchiveEndpoint(env)
	return ArchiveConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_BUCKET")), "reflectify-transcripts"),
		UseSSL:    resolveArchiveUseSSL(env),
	}
}

func resolveArchiveEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return strings.TrimSpace(os.Getenv("TRANSCRIPT_MINIO_ENDPOINT"))
	}
	return strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_ENDPOINT"))
}

func resolveArchiveUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("TRANSCRIPT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func intFromEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
