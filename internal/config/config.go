package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Timezone   string   `yaml:"timezone" validate:"required"`
	Store      Store    `yaml:"store"`
	Models     Models   `yaml:"models"`
	Budget     Budget   `yaml:"budget"`
	Dedup      Dedup    `yaml:"dedup"`
	Adaptive   Adaptive `yaml:"adaptive"`
	Grading    Grading  `yaml:"grading"`
	Pipeline   Pipeline `yaml:"pipeline"`
	Content    Content  `yaml:"content"`
	Cache      Cache    `yaml:"cache"`
	Sources    Sources  `yaml:"sources"`
	Notify     Notify   `yaml:"notify"`
	Server     Server   `yaml:"server"`
	Logging    Logging  `yaml:"logging"`
	PromptFile string   `yaml:"prompt_file"`
}

type Store struct {
	Backend            string        `yaml:"backend" validate:"oneof=gcs memory"`
	Bucket             string        `yaml:"bucket" validate:"required_if=Backend gcs"`
	Prefix             string        `yaml:"prefix"`
	CredentialsFile    string        `yaml:"credentials_file"`
	StagingPath        string        `yaml:"staging_path"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=1"`
	MaxConflictRetries int           `yaml:"max_conflict_retries" validate:"gte=1"`
	Timeout            time.Duration `yaml:"timeout"`
	BackupRetention    int           `yaml:"backup_retention_days" validate:"gte=1"`
}

type Models struct {
	Provider   string        `yaml:"provider" validate:"oneof=openai ollama"`
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	OllamaURL  string        `yaml:"ollama_url"`
	Bulk       ModelTier     `yaml:"bulk"`
	Grade      ModelTier     `yaml:"grade"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=1"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ModelTier struct {
	Name         string  `yaml:"name" validate:"required"`
	DailyCap     int     `yaml:"daily_cap" validate:"gte=0"`
	InputPerMil  float64 `yaml:"input_per_million" validate:"gte=0"`
	OutputPerMil float64 `yaml:"output_per_million" validate:"gte=0"`
}

type Budget struct {
	Currency string  `yaml:"currency"`
	Yellow   float64 `yaml:"yellow" validate:"gt=0"`
	Red      float64 `yaml:"red" validate:"gtfield=Yellow"`
}

type Dedup struct {
	Definite int `yaml:"definite" validate:"gte=0,lte=100"`
	Likely   int `yaml:"likely" validate:"gte=0,ltefield=Definite"`
}

type Adaptive struct {
	LowScore      float64        `yaml:"low_score"`
	RecoveryScore float64        `yaml:"recovery_score"`
	LowDays       int            `yaml:"low_days" validate:"gte=1"`
	RecoveryDays  int            `yaml:"recovery_days" validate:"gte=1"`
	NormalDays    int            `yaml:"normal_after_recovery_days" validate:"gtefield=RecoveryDays"`
	PauseAfter    int            `yaml:"pause_after_neutral_days" validate:"gte=1"`
	ReteachDays   int            `yaml:"reteach_days" validate:"gte=1"`
	Quotas        map[string]int `yaml:"quotas"`
}

type Grading struct {
	AdvanceScore   int `yaml:"advance_score"`
	ReteachScore   int `yaml:"reteach_score"`
	MaxRetries     int `yaml:"max_retries"`
	MinAnswerWords int `yaml:"min_answer_words"`
}

type Pipeline struct {
	SlotCapacity     int           `yaml:"slot_capacity" validate:"gte=1"`
	OverflowCapacity int           `yaml:"overflow_capacity" validate:"gte=1"`
	DiscardedCap     int           `yaml:"discarded_capacity" validate:"gte=1"`
	ErrorsCap        int           `yaml:"errors_capacity" validate:"gte=1"`
	StaleAfter       time.Duration `yaml:"stale_after" validate:"gt=0"`
	ArchiveAfterDays int           `yaml:"archive_after_days" validate:"gte=1"`
	ErrorRetention   int           `yaml:"error_retention_days" validate:"gte=1"`
	MinRelevance     float64       `yaml:"min_relevance" validate:"gte=1,lte=10"`
	DailyRetention   int           `yaml:"daily_retention_days" validate:"gte=1"`
	DroughtDays      int           `yaml:"category_drought_days" validate:"gte=1"`
	Slots            []SlotWindow  `yaml:"slots" validate:"dive"`
}

// SlotWindow maps a slot to its local start hour (inclusive) and end hour (exclusive).
type SlotWindow struct {
	Name  string `yaml:"name" validate:"oneof=morning midday evening"`
	Start int    `yaml:"start" validate:"gte=0,lte=23"`
	End   int    `yaml:"end" validate:"gte=1,lte=24"`
}

type Content struct {
	MinWords        int           `yaml:"min_words"`
	MaxWords        int           `yaml:"max_words"`
	LowConfidence   float64       `yaml:"low_confidence_below" validate:"gte=0,lte=10"`
	TruncateWords   int           `yaml:"truncate_words"`
	MaxArxiv        int           `yaml:"max_arxiv_per_cycle"`
	RequestsPerMin  int           `yaml:"requests_per_minute" validate:"gte=1"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxPerFeed      int           `yaml:"max_per_feed"`
	DisableAfter    int           `yaml:"disable_after_failures" validate:"gte=1"`
	ReenableDays    int           `yaml:"reenable_after_days" validate:"gte=1"`
	FetchConcurrent int           `yaml:"fetch_concurrency" validate:"gte=1"`
}

type Cache struct {
	URLDedupDays int `yaml:"url_dedup_days"`
	GradingDays  int `yaml:"grading_days"`
	SummaryDays  int `yaml:"summary_days"`
	MaxEntries   int `yaml:"max_entries" validate:"gte=1"`
}

type Sources struct {
	Feeds []Feed `yaml:"feeds" validate:"dive"`
}

type Feed struct {
	URL      string `yaml:"url" validate:"required,url"`
	Name     string `yaml:"name"`
	Category string `yaml:"category" validate:"omitempty,oneof=ml_engineering product_strategy mlops ai_ethics infrastructure"`
}

type Notify struct {
	Recipient        string `yaml:"recipient"`
	Sender           string `yaml:"sender"`
	MaxReview        int    `yaml:"max_review_topics" validate:"gte=0"`
	Gmail            Gmail  `yaml:"gmail"`
	WebhookURL       string `yaml:"webhook_url"`
	WebhookSecretEnv string `yaml:"webhook_secret_env"`
}

type Gmail struct {
	Enabled         bool   `yaml:"enabled"`
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	RefreshTokenEnv string `yaml:"refresh_token_env"`
}

type Server struct {
	Port      int    `yaml:"port"`
	SecretEnv string `yaml:"secret_env"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for kbcurator.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "kbcurator")
}

// DataDir returns the XDG data directory for kbcurator.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "kbcurator")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/kbcurator/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'kbcurator init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("validating config: timezone %q: %w", cfg.Timezone, err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Timezone: "Asia/Kolkata",
		Store: Store{
			Backend:            "memory",
			Prefix:             "state",
			MaxRetries:         3,
			MaxConflictRetries: 3,
			Timeout:            30 * time.Second,
			BackupRetention:    28,
		},
		Models: Models{
			Provider:   "openai",
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta/openai/",
			APIKeyEnv:  "GEMINI_API_KEY",
			OllamaURL:  "http://localhost:11434",
			Bulk:       ModelTier{Name: "gemini-2.5-flash-lite", DailyCap: 1000, InputPerMil: 0.075, OutputPerMil: 0.30},
			Grade:      ModelTier{Name: "gemini-2.5-flash", DailyCap: 90, InputPerMil: 0.30, OutputPerMil: 2.50},
			MaxRetries: 3,
			Timeout:    60 * time.Second,
		},
		Budget: Budget{Currency: "INR", Yellow: 90, Red: 95},
		Dedup:  Dedup{Definite: 85, Likely: 60},
		Adaptive: Adaptive{
			LowScore:      70,
			RecoveryScore: 75,
			LowDays:       5,
			RecoveryDays:  3,
			NormalDays:    6,
			PauseAfter:    7,
			ReteachDays:   14,
			Quotas:        map[string]int{"NORMAL": 5, "RECOVERY": 3, "LOW": 2},
		},
		Grading: Grading{AdvanceScore: 70, ReteachScore: 40, MaxRetries: 2, MinAnswerWords: 20},
		Pipeline: Pipeline{
			SlotCapacity:     3,
			OverflowCapacity: 20,
			DiscardedCap:     500,
			ErrorsCap:        200,
			StaleAfter:       15 * time.Minute,
			ArchiveAfterDays: 90,
			ErrorRetention:   30,
			MinRelevance:     6,
			DailyRetention:   120,
			DroughtDays:      7,
			Slots: []SlotWindow{
				{Name: "morning", Start: 6, End: 10},
				{Name: "midday", Start: 10, End: 14},
				{Name: "evening", Start: 14, End: 19},
			},
		},
		Content: Content{
			MinWords:        200,
			MaxWords:        5000,
			LowConfidence:   7,
			TruncateWords:   3000,
			MaxArxiv:        10,
			RequestsPerMin:  3,
			FetchTimeout:    15 * time.Second,
			MaxPerFeed:      20,
			DisableAfter:    5,
			ReenableDays:    7,
			FetchConcurrent: 4,
		},
		Cache:   Cache{URLDedupDays: 2190, GradingDays: 30, SummaryDays: 90, MaxEntries: 1000},
		Notify:  Notify{MaxReview: 3},
		Server:  Server{Port: 8000, SecretEnv: "KBCURATOR_TRIGGER_SECRET"},
		Logging: Logging{Level: "INFO"},
	}
}

// Location returns the configured local timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetStagingPath returns the local staging database path.
func (c *Config) GetStagingPath() string {
	if c.Store.StagingPath != "" {
		return c.Store.StagingPath
	}
	return filepath.Join(DataDir(), "staging.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
