package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the process-wide configuration for the reporting CORE. One
// TOML section per component, matching the C1-C10 layout in SPEC_FULL.md
// §2's DOMAIN STACK table.
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Bloom       BloomConfig     `toml:"bloom"`
	Hashes      HashesConfig    `toml:"hashes"`
	Session     SessionConfig   `toml:"session"`
	PageDB      PageDBConfig    `toml:"pagedb"`
	Quorum      QuorumConfig    `toml:"quorum"`
	Sanitizer   SanitizerConfig `toml:"sanitizer"`
	Patterns    PatternsConfig  `toml:"patterns"`
	URLAnalyzer URLAnalyzerConfig `toml:"urlanalyzer"`
	Reporting   ReportingConfig `toml:"reporting"`
	Transport   TransportConfig `toml:"transport"`
}

// StorageConfig selects and configures the embedded KV engine (spec.md §6
// "browser storage primitive" — here realized over Badger, see
// SPEC_FULL.md §6).
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig is the single embedded KV engine backing C1-C5 (SPEC_FULL.md
// §2 DOMAIN STACK).
type BadgerConfig struct {
	Path           string `toml:"path"`             // database directory
	ResetOnStartup bool   `toml:"reset_on_startup"` // wipe on startup, for clean demo runs
}

// LoggingConfig configures the arbor logger (SPEC_FULL.md AMBIENT STACK).
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// SchedulerConfig configures the JobScheduler (C4, spec.md §4.4) plus the
// per-handler JobConfig for each of the three named job types in the
// control-flow narrative of spec.md §2 ("doublefetch-page",
// "page-quorum-check", "send-message").
type SchedulerConfig struct {
	GlobalJobLimit   int                    `toml:"global_job_limit"` // spec.md §5 globalJobLimit, default 10000
	DoublefetchPage  HandlerConfig          `toml:"doublefetch_page"`
	PageQuorumCheck  HandlerConfig          `toml:"page_quorum_check"`
	SendMessage      HandlerConfig          `toml:"send_message"`
}

// HandlerConfig mirrors scheduler.JobConfig field-for-field so it can be
// decoded straight out of TOML (spec.md §3 "JobConfig (only these keys,
// all integers >= 0 except priority)").
type HandlerConfig struct {
	Priority                 int   `toml:"priority"`
	TTLInMs                  int64 `toml:"ttl_in_ms"`
	MaxJobsTotal             int   `toml:"max_jobs_total"`
	CooldownInMs             int64 `toml:"cooldown_in_ms"`
	MaxAutoRetriesAfterError int   `toml:"max_auto_retries_after_error"`
}

// BloomConfig configures the private-pages OHBF (C1, spec.md §4.1).
type BloomConfig struct {
	Name                string `toml:"name"`
	Version             int    `toml:"version"`
	Partitions          []int  `toml:"partitions"`          // must be pairwise coprime
	MaxGenerations      int    `toml:"max_generations"`
	RotationIntervalMs  int64  `toml:"rotation_interval_ms"`
	ShardBits           int    `toml:"shard_bits"`
}

// HashesConfig configures PersistedHashes (C2, spec.md §4.2).
type HashesConfig struct {
	SweepIntervalMs int64 `toml:"sweep_interval_ms"`
	DefaultTTLMs    int64 `toml:"default_ttl_ms"`
}

// SessionConfig configures SessionStorageWrapper (C3, spec.md §4.3).
type SessionConfig struct {
	Namespace string `toml:"namespace"`
	Version   int    `toml:"version"`
}

// PageDBConfig configures PageDB + NewPageApprover (C5, spec.md §4.5).
type PageDBConfig struct {
	MaxAllowedMappings        int   `toml:"max_allowed_mappings"`         // default 2000
	MinPageCooldownMs         int64 `toml:"min_page_cooldown_ms"`
	MaxEntriesToCheckPerTick  int   `toml:"max_entries_to_check_per_tick"`
	PrivatePagesWriteBufferCap int `toml:"private_pages_write_buffer_cap"` // default 1000
}

// QuorumConfig configures QuorumChecker (C6, spec.md §4.6).
type QuorumConfig struct {
	Namespace string `toml:"namespace"` // session cache namespace for cached outcomes
	Endpoint  string `toml:"endpoint"`  // remote quorum service base URL
}

// TransportConfig configures the best-effort message sink the "send-message"
// job posts to (spec.md §6 Communication).
type TransportConfig struct {
	Endpoint string `toml:"endpoint"`
}

// SanitizerConfig configures C7's heuristics (spec.md §4.7).
type SanitizerConfig struct {
	QuerySoftCapChars int  `toml:"query_soft_cap_chars"`
	WordHardCapChars  int  `toml:"word_hard_cap_chars"`
	DenseScriptCap    int  `toml:"dense_script_cap_chars"` // CJK/Thai/Korean tighter cap
	Strict            bool `toml:"strict"`
	TryPreservePath   bool `toml:"try_preserve_path"`
}

// PatternsConfig configures C8's ruleset source (spec.md §6 "PATTERNS_URL",
// "CONFIG_URL").
type PatternsConfig struct {
	PatternsURL string `toml:"patterns_url"`
	ConfigURL   string `toml:"config_url"`
	DSLVersion  int    `toml:"dsl_version"`
}

// URLAnalyzerConfig is presently empty: the matcher table (C9, spec.md
// §4.9) is a fixed, versioned list compiled into internal/urlanalyzer,
// not something an operator tunes per-deployment.
type URLAnalyzerConfig struct{}

// ReportingConfig configures the orchestrator (C10, SPEC_FULL.md §4.10)
// and the spec.md §6 "ALLOWED_COUNTRY_CODES" knob.
type ReportingConfig struct {
	AllowedCountryCodes []string `toml:"allowed_country_codes"`
	TickIntervalMs      int64    `toml:"tick_interval_ms"` // internal cron.v3 tick cadence
}

// NewDefaultConfig returns the configuration a fresh checkout runs with.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/wtm-reporting.badger"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Scheduler: SchedulerConfig{
			GlobalJobLimit: 10000,
			DoublefetchPage: HandlerConfig{
				Priority: 10, TTLInMs: int64(10 * time.Minute / time.Millisecond),
				MaxJobsTotal: 200, CooldownInMs: 0, MaxAutoRetriesAfterError: 2,
			},
			PageQuorumCheck: HandlerConfig{
				Priority: 5, TTLInMs: int64(6 * time.Hour / time.Millisecond),
				MaxJobsTotal: 200, CooldownInMs: 0, MaxAutoRetriesAfterError: 2,
			},
			SendMessage: HandlerConfig{
				Priority: 1, TTLInMs: int64(24 * time.Hour / time.Millisecond),
				MaxJobsTotal: 500, CooldownInMs: 0, MaxAutoRetriesAfterError: 0,
			},
		},
		Bloom: BloomConfig{
			Name: "private-pages", Version: 1,
			Partitions: []int{1019, 2003, 4001}, // pairwise coprime
			MaxGenerations: 2, RotationIntervalMs: int64(14 * 24 * time.Hour / time.Millisecond),
			ShardBits: 1 << 16,
		},
		Hashes: HashesConfig{
			SweepIntervalMs: int64(time.Hour / time.Millisecond),
			DefaultTTLMs:    int64(16 * time.Hour / time.Millisecond),
		},
		Session: SessionConfig{Namespace: "wtm-reporting", Version: 1},
		PageDB: PageDBConfig{
			MaxAllowedMappings: 2000, MinPageCooldownMs: int64(10 * time.Second / time.Millisecond),
			MaxEntriesToCheckPerTick: 50, PrivatePagesWriteBufferCap: 1000,
		},
		Quorum: QuorumConfig{Namespace: "wtm-quorum", Endpoint: "https://quorum.whotracks.me"},
		Sanitizer: SanitizerConfig{
			QuerySoftCapChars: 60, WordHardCapChars: 30, DenseScriptCap: 20,
			Strict: false, TryPreservePath: true,
		},
		Patterns: PatternsConfig{
			PatternsURL: "https://cdn.whotracks.me/patterns.json",
			ConfigURL:   "https://cdn.whotracks.me/config.json",
			DSLVersion:  1,
		},
		Reporting: ReportingConfig{
			AllowedCountryCodes: []string{"de", "us", "fr", "gb"},
			TickIntervalMs:      int64(30 * time.Second / time.Millisecond),
		},
		Transport: TransportConfig{Endpoint: "https://collector.whotracks.me/messages"},
	}
}

// LoadFromFile is a convenience wrapper around LoadFromFiles for the
// single-file case.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles merges default -> file(s) -> environment, later files and
// env vars overriding earlier ones (SPEC_FULL.md AMBIENT STACK
// "Configuration").
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies WTM_* environment variable overrides, highest
// priority after CLI flags.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("WTM_ENV"); env != "" {
		config.Environment = env
	}
	if path := os.Getenv("WTM_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if level := os.Getenv("WTM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("WTM_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if limit := os.Getenv("WTM_GLOBAL_JOB_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.Scheduler.GlobalJobLimit = l
		}
	}
	// ALLOWED_COUNTRY_CODES is named directly in spec.md §6's "Config
	// knobs" list, so it is also honored without the WTM_ prefix.
	if ccs := os.Getenv("ALLOWED_COUNTRY_CODES"); ccs != "" {
		config.Reporting.AllowedCountryCodes = splitTrim(ccs, ",")
	}
	if v := os.Getenv("PATTERNS_URL"); v != "" {
		config.Patterns.PatternsURL = v
	}
	if v := os.Getenv("CONFIG_URL"); v != "" {
		config.Patterns.ConfigURL = v
	}
	if v := os.Getenv("WTM_QUORUM_ENDPOINT"); v != "" {
		config.Quorum.Endpoint = v
	}
	if v := os.Getenv("WTM_TRANSPORT_ENDPOINT"); v != "" {
		config.Transport.Endpoint = v
	}
}

func splitTrim(s, sep string) []string {
	out := []string{}
	for _, p := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of c, used by callers that mutate a
// working copy (e.g. a test tweaking one handler's cooldown) without
// disturbing the loaded original.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = append([]string(nil), c.Logging.Output...)
	}
	if len(c.Bloom.Partitions) > 0 {
		clone.Bloom.Partitions = append([]int(nil), c.Bloom.Partitions...)
	}
	if len(c.Reporting.AllowedCountryCodes) > 0 {
		clone.Reporting.AllowedCountryCodes = append([]string(nil), c.Reporting.AllowedCountryCodes...)
	}
	return &clone
}
