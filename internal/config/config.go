package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"local"`
	Port   string `env:"PORT" envDefault:"8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,required"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://mongo:27017"`
	MongoDB       string `env:"MONGO_DB" envDefault:"open_deep_research"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT" envDefault:"minio:9000"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"research-covers"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`

	// Accounts allowed to run benchmarks and speed comparisons. Empty means nobody.
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`

	// Inference (OpenAI-compatible, Together AI by default)
	TogetherAPIKey  string  `env:"TOGETHER_API_KEY,required"`
	TogetherBaseURL string  `env:"TOGETHER_BASE_URL" envDefault:"https://api.together.xyz/v1"`
	LLMRateLimitRPS float64 `env:"LLM_RATE_LIMIT_RPS" envDefault:"5"`
	PlanningModel   string  `env:"PLANNING_MODEL" envDefault:"Qwen/Qwen2.5-72B-Instruct-Turbo"`
	JSONModel       string  `env:"JSON_MODEL" envDefault:"meta-llama/Llama-3.3-70B-Instruct-Turbo"`
	SummaryModel    string  `env:"SUMMARY_MODEL" envDefault:"meta-llama/Llama-3.3-70B-Instruct-Turbo"`
	AnswerModel     string  `env:"ANSWER_MODEL" envDefault:"moonshotai/Kimi-K2-Instruct"`
	ImageModel      string  `env:"IMAGE_MODEL" envDefault:"black-forest-labs/FLUX.1-schnell"`

	AvailableModels []string `env:"AVAILABLE_MODELS" envSeparator:"," envDefault:"moonshotai/Kimi-K2-Instruct,deepseek-ai/DeepSeek-V3,Qwen/Qwen3-235B-A22B-Instruct-2507-tput,openai/gpt-oss-120b"`

	// Search / scrape
	FirecrawlAPIKey  string        `env:"FIRECRAWL_API_KEY,required"`
	FirecrawlBaseURL string        `env:"FIRECRAWL_BASE_URL" envDefault:"https://api.firecrawl.dev"`
	SearchTimeout    time.Duration `env:"SEARCH_TIMEOUT" envDefault:"60s"`
	WebFetchRPS      float64       `env:"WEB_FETCH_RPS" envDefault:"2"`
	WebFetchTimeout  time.Duration `env:"WEB_FETCH_TIMEOUT" envDefault:"30s"`

	// Pipeline
	MaxQueries         int           `env:"MAX_QUERIES" envDefault:"3"`
	PipelineWorkers    int           `env:"PIPELINE_WORKERS" envDefault:"8"`
	PipelineTimeout    time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"15m"`
	DailyResearchLimit int           `env:"DAILY_RESEARCH_LIMIT" envDefault:"5"`
	StateTTL           time.Duration `env:"RESEARCH_STATE_TTL" envDefault:"168h"`

	// Benchmark
	BenchmarkOutputDir string   `env:"BENCHMARK_OUTPUT_DIR" envDefault:"benchmark-results"`
	BenchmarkModels    []string `env:"BENCHMARK_MODELS" envSeparator:"," envDefault:"zai-org/GLM-5.0,moonshotai/Kimi-K2.5"`
	SpeedCompareModel  string   `env:"SPEED_COMPARE_MODEL" envDefault:"openai/gpt-oss-20b"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	cfg.AvailableModels = compact(cfg.AvailableModels)
	cfg.BenchmarkModels = compact(cfg.BenchmarkModels)
	cfg.AllowedOrigins = compact(cfg.AllowedOrigins)
	cfg.AdminEmails = compact(cfg.AdminEmails)

	for i, e := range cfg.AdminEmails {
		cfg.AdminEmails[i] = strings.ToLower(e)
	}

	return cfg, nil
}

// IsLocal reports whether the service runs in a developer environment.
func (c *Config) IsLocal() bool {
	return c.AppEnv == "local"
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))

	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}
