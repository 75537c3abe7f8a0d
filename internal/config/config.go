// Copyright 2025 James Ross
// Package config is the pmcad configuration tree: one YAML file (plus
// env overrides) unmarshaled through viper/mapstructure, grounded on
// the teacher's internal/config (defaultConfig() seeding sane defaults,
// Load(path) reading the file, Validate(cfg) enforcing invariants)
// with the Redis/Worker/Producer shape replaced by the store, rate
// limiter, LLM pool, ontology, stage, search, and PubMed trees
// spec.md's pipeline actually needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jamesross/pmcad/internal/ratelimit"
)

// StoreConfig locates and opens the sqlite state store.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
	Readonly      bool   `mapstructure:"readonly"`
}

// RateLimitConfig is an alias of ratelimit.Config so the same
// mapstructure tags (rate_per_window, window) drive both the config
// file schema and the limiter constructor.
type RateLimitConfig = ratelimit.Config

// LLMEndpointConfig configures one member of a named LLM pool.
type LLMEndpointConfig struct {
	URL             string   `mapstructure:"url"`
	APIKey          string   `mapstructure:"api_key"`
	ModelName       string   `mapstructure:"model_name"`
	Format          string   `mapstructure:"format"` // "ollama" or "openai"
	RemoveThink     bool     `mapstructure:"remove_think"`
	Temperature     *float64 `mapstructure:"temperature"`
	ProxyURL        string   `mapstructure:"proxy_url"`
	RateLimitPerSec float64  `mapstructure:"rate_limit_per_sec"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
}

// OntologyConfig describes one governed ontology: its entity types, db
// key prefix, backing file/index names, species handling, judge
// leniency, and which named search endpoint (and search mode) answers
// its candidate lookups.
type OntologyConfig struct {
	OntologyType   []string `mapstructure:"ontology_type"`
	DBType         string   `mapstructure:"db_type"`
	Filename       string   `mapstructure:"filename"`
	IndexName      string   `mapstructure:"index_name"`
	UseSpecies     bool     `mapstructure:"use_species"`
	JudgeMethod    string   `mapstructure:"judge_method"` // strict|relaxed|forced
	SearchEndpoint string   `mapstructure:"search_endpoint"`
	Taxonomic      bool     `mapstructure:"taxonomic"`
}

// StepConfig is one element of a stage's sub-pipeline.
type StepConfig struct {
	Op         string         `mapstructure:"op"`
	InputName  string         `mapstructure:"input_name"`
	OutputName string         `mapstructure:"output_name"`
	PerStepMax int            `mapstructure:"per_step_max"`
	Params     map[string]any `mapstructure:"params"`
}

// StageConfig is one stage driver's worth of wiring: which documents it
// claims from, where it marks completion, how many workers it runs, and
// its linear sub-pipeline of steps.
type StageConfig struct {
	Name             string       `mapstructure:"name"`
	OpQueueNames     []string     `mapstructure:"op_queue_names"`
	DoneQueueName    string       `mapstructure:"done_queue_name"`
	Workers          int          `mapstructure:"workers"`
	LLMPool          string       `mapstructure:"llm_pool"`
	SubPipeline      []StepConfig `mapstructure:"sub_pipeline"`
	ClearDoneOnStart bool         `mapstructure:"clear_done_on_start"`
}

// SearchEndpointConfig points at one hybrid or taxonomic search backend.
type SearchEndpointConfig struct {
	URL            string `mapstructure:"url"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Index          string `mapstructure:"index"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubMedConfig configures the NCBI efetch abstract-fetch adapter.
type PubMedConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ObservabilityConfig controls logging, the metrics server, and which
// progress renderer the composer attaches to each stage driver.
type ObservabilityConfig struct {
	LogLevel     string `mapstructure:"log_level"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ProgressMode string `mapstructure:"progress_mode"` // tui|plain|quiet
}

// Config is the full pmcad configuration tree.
type Config struct {
	Store         StoreConfig                     `mapstructure:"store"`
	RateLimit     map[string]RateLimitConfig       `mapstructure:"rate_limit"`
	LLMPools      map[string][]LLMEndpointConfig   `mapstructure:"llm_pools"`
	Ontologies    []OntologyConfig                 `mapstructure:"ontologies"`
	Stages        []StageConfig                    `mapstructure:"stages"`
	StagesDir     string                            `mapstructure:"stages_dir"`
	StagesGlob    string                            `mapstructure:"stages_glob"`
	Search        map[string]SearchEndpointConfig   `mapstructure:"search"`
	PubMed        PubMedConfig                      `mapstructure:"pubmed"`
	Observability ObservabilityConfig               `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "./pmcad.db",
			BusyTimeoutMS: 60000,
		},
		RateLimit: map[string]RateLimitConfig{
			"default": ratelimit.DefaultConfig(),
		},
		StagesDir:  "./stages",
		StagesGlob: "*.yaml",
		PubMed: PubMedConfig{
			BaseURL:        "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi",
			RatePerSecond:  1,
			TimeoutSeconds: 30,
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			MetricsPort:  9090,
			ProgressMode: "plain",
		},
	}
}

// Load reads configuration from a YAML file plus env overrides, then
// folds in any stage scripts discovered under StagesDir/StagesGlob.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.busy_timeout_ms", def.Store.BusyTimeoutMS)
	v.SetDefault("store.readonly", def.Store.Readonly)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("stages_dir", def.StagesDir)
	v.SetDefault("stages_glob", def.StagesGlob)
	v.SetDefault("pubmed.base_url", def.PubMed.BaseURL)
	v.SetDefault("pubmed.rate_per_second", def.PubMed.RatePerSecond)
	v.SetDefault("pubmed.timeout_seconds", def.PubMed.TimeoutSeconds)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.progress_mode", def.Observability.ProgressMode)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.LoadStageScripts(); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStageScripts discovers one-stage-per-file YAML documents under
// StagesDir matching StagesGlob and appends their decoded StageConfig
// to Stages, mirroring how an operator adds a stage to a running
// deployment by dropping a file rather than editing a master list.
func (c *Config) LoadStageScripts() error {
	if c.StagesDir == "" {
		return nil
	}
	if _, err := os.Stat(c.StagesDir); os.IsNotExist(err) {
		return nil
	}
	pattern := c.StagesGlob
	if pattern == "" {
		pattern = "*.yaml"
	}
	matches, err := doublestar.Glob(os.DirFS(c.StagesDir), pattern)
	if err != nil {
		return fmt.Errorf("config: glob stage scripts: %w", err)
	}
	for _, m := range matches {
		full := filepath.Join(c.StagesDir, m)
		raw, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("config: read stage script %s: %w", full, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("config: parse stage script %s: %w", full, err)
		}
		var sc StageConfig
		if err := mapstructure.Decode(doc, &sc); err != nil {
			return fmt.Errorf("config: decode stage script %s: %w", full, err)
		}
		c.Stages = append(c.Stages, sc)
	}
	return nil
}

// Validate checks config constraints and returns an error on invalid
// settings, in the teacher's style of a single flat precondition list.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	for svc, rl := range cfg.RateLimit {
		if rl.RatePerWindow <= 0 {
			return fmt.Errorf("rate_limit.%s.rate_per_window must be > 0", svc)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limit.%s.window must be > 0", svc)
		}
	}
	for _, st := range cfg.Stages {
		if st.Name == "" {
			return fmt.Errorf("stages: name must be set")
		}
		if st.Workers <= 0 {
			return fmt.Errorf("stage %s: workers must be > 0", st.Name)
		}
		if len(st.SubPipeline) == 0 {
			return fmt.Errorf("stage %s: sub_pipeline must be non-empty", st.Name)
		}
		if st.LLMPool == "" {
			return fmt.Errorf("stage %s: llm_pool must be set", st.Name)
		}
		if _, ok := cfg.LLMPools[st.LLMPool]; !ok {
			return fmt.Errorf("stage %s: llm_pool %q not defined under llm_pools", st.Name, st.LLMPool)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// LLMEndpointTimeout returns cfg's timeout as a time.Duration, defaulting
// to 60s like adapters.NewLLMClient does for an unset value.
func LLMEndpointTimeout(cfg LLMEndpointConfig) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
