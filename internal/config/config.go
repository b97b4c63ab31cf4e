package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Search   *searchConfig
	Synth    *synthConfig
	Objects  *objectsConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"research_pipeline"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	RunnerAddress   string `envconfig:"RESEARCH_PIPELINE_RUNNER_ADDRESS" default:":8080"`
	SynthAddress    string `envconfig:"RESEARCH_PIPELINE_SYNTH_ADDRESS" default:":8081"`
	MetricsAddress  string `envconfig:"RESEARCH_PIPELINE_METRICS_ADDRESS" default:":8090"`
	LogLevel        string `envconfig:"RESEARCH_PIPELINE_LOG_LEVEL" default:"info"`
	PipelineVersion string `envconfig:"RESEARCH_PIPELINE_VERSION" default:"runner.v1"`
	Kafka           kafkaConfig
}

type kafkaConfig struct {
	Brokers         []string      `envconfig:"RESEARCH_PIPELINE_KAFKA_BROKERS" default:""`
	ClientID        string        `envconfig:"RESEARCH_PIPELINE_KAFKA_CLIENT_ID" default:"research-pipeline"`
	FetchTopic      string        `envconfig:"RESEARCH_PIPELINE_KAFKA_FETCH_TOPIC" default:"research.pipeline.fetch-requests"`
	SynthTopic      string        `envconfig:"RESEARCH_PIPELINE_KAFKA_SYNTH_TOPIC" default:"research.pipeline.synth-requests"`
	ProducerTimeout time.Duration `envconfig:"RESEARCH_PIPELINE_KAFKA_PRODUCER_TIMEOUT" default:"10s"`
}

type searchConfig struct {
	APIKey      string        `envconfig:"RESEARCH_PIPELINE_SERP_API_KEY" default:""`
	BaseURL     string        `envconfig:"RESEARCH_PIPELINE_SERP_BASE_URL" default:"https://serpapi.com/search.json"`
	Engine      string        `envconfig:"RESEARCH_PIPELINE_SERP_ENGINE" default:"google"`
	CountryCode string        `envconfig:"RESEARCH_PIPELINE_SERP_GL" default:"us"`
	Language    string        `envconfig:"RESEARCH_PIPELINE_SERP_HL" default:"en"`
	TopN        int           `envconfig:"RESEARCH_PIPELINE_SERP_TOP_N" default:"5"`
	MaxURLs     int           `envconfig:"RESEARCH_PIPELINE_MAX_URLS" default:"10"`
	Timeout     time.Duration `envconfig:"RESEARCH_PIPELINE_SERP_TIMEOUT" default:"30s"`
}

type synthConfig struct {
	APIKey              string        `envconfig:"RESEARCH_PIPELINE_SYNTH_API_KEY" default:""`
	BaseURL             string        `envconfig:"RESEARCH_PIPELINE_SYNTH_BASE_URL" default:"https://api.perplexity.ai/chat/completions"`
	Model               string        `envconfig:"RESEARCH_PIPELINE_SYNTH_MODEL" default:"sonar-pro"`
	PromptVersion       string        `envconfig:"RESEARCH_PIPELINE_SYNTH_PROMPT_VERSION" default:"synth_prompt.v1"`
	Timeout             time.Duration `envconfig:"RESEARCH_PIPELINE_SYNTH_TIMEOUT" default:"120s"`
	MaxEvidenceItems    int           `envconfig:"RESEARCH_PIPELINE_SYNTH_MAX_EVIDENCE_ITEMS" default:"20"`
	MaxCleanedTextChars int           `envconfig:"RESEARCH_PIPELINE_SYNTH_MAX_CLEANED_TEXT_CHARS" default:"200000"`
	StuckAfter          time.Duration `envconfig:"RESEARCH_PIPELINE_SYNTH_STUCK_AFTER" default:"15m"`
	ReapInterval        time.Duration `envconfig:"RESEARCH_PIPELINE_SYNTH_REAP_INTERVAL" default:"5m"`
}

type objectsConfig struct {
	Endpoint  string `envconfig:"RESEARCH_PIPELINE_OBJECTS_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"RESEARCH_PIPELINE_OBJECTS_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"RESEARCH_PIPELINE_OBJECTS_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"RESEARCH_PIPELINE_OBJECTS_USE_SSL" default:"false"`
	Bucket    string `envconfig:"RESEARCH_PIPELINE_OBJECTS_BUCKET" default:"research-evidence"`
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDefault returns a configuration backed by an in-memory sqlite database.
// Used by tests and local development.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type: "sqlite",
			Name: "file::memory:?cache=shared",
		},
		Service: &svcConfig{
			RunnerAddress:   ":8080",
			SynthAddress:    ":8081",
			MetricsAddress:  ":8090",
			LogLevel:        "debug",
			PipelineVersion: "runner.v1",
		},
		Search: &searchConfig{
			Engine:      "google",
			CountryCode: "us",
			Language:    "en",
			TopN:        5,
			MaxURLs:     10,
			Timeout:     30 * time.Second,
		},
		Synth: &synthConfig{
			Model:               "sonar-pro",
			PromptVersion:       "synth_prompt.v1",
			Timeout:             120 * time.Second,
			MaxEvidenceItems:    20,
			MaxCleanedTextChars: 200000,
			StuckAfter:          15 * time.Minute,
			ReapInterval:        5 * time.Minute,
		},
		Objects: &objectsConfig{
			Endpoint: "localhost:9000",
			Bucket:   "research-evidence",
		},
	}
}
