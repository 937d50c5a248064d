package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/dotsetgreg/dotmem/pkg/memory"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

type Config struct {
	Memory   MemoryConfig   `json:"memory"`
	Storage  StorageConfig  `json:"storage"`
	Channels ChannelsConfig `json:"channels"`
	Log      LogConfig      `json:"log"`
	mu       sync.RWMutex
}

type MemoryConfig struct {
	HotLimit                   int    `json:"hot_limit" env:"DOTMEM_MEMORY_HOT_LIMIT" validate:"min=1"`
	WarmLimit                  int    `json:"warm_limit" env:"DOTMEM_MEMORY_WARM_LIMIT" validate:"min=1"`
	CompactionThreshold        int    `json:"compaction_threshold" env:"DOTMEM_MEMORY_COMPACTION_THRESHOLD" validate:"min=3"`
	HotToWarmMinutes           int    `json:"hot_to_warm_minutes" env:"DOTMEM_MEMORY_HOT_TO_WARM_MINUTES" validate:"min=1"`
	WarmToColdHours            int    `json:"warm_to_cold_hours" env:"DOTMEM_MEMORY_WARM_TO_COLD_HOURS" validate:"min=1"`
	PromotionThreshold         int    `json:"promotion_threshold" env:"DOTMEM_MEMORY_PROMOTION_THRESHOLD" validate:"min=1"`
	RetrievalLimit             int    `json:"retrieval_limit" env:"DOTMEM_MEMORY_RETRIEVAL_LIMIT" validate:"min=1,max=1000"`
	MaintenanceIntervalSeconds int    `json:"maintenance_interval_seconds" env:"DOTMEM_MEMORY_MAINTENANCE_INTERVAL_SECONDS" validate:"min=1"`
	AutosaveSchedule           string `json:"autosave_schedule" env:"DOTMEM_MEMORY_AUTOSAVE_SCHEDULE" validate:"omitempty,cron"`
}

type StorageConfig struct {
	Backend string `json:"backend" env:"DOTMEM_STORAGE_BACKEND" validate:"oneof=json sqlite"`
	DataDir string `json:"data_dir" env:"DOTMEM_STORAGE_DATA_DIR" validate:"required"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTMEM_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTMEM_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTMEM_CHANNELS_DISCORD_ALLOW_FROM"`
}

type LogConfig struct {
	Level string `json:"level" env:"DOTMEM_LOG_LEVEL" validate:"oneof=debug info warn error"`
	File  string `json:"file,omitempty" env:"DOTMEM_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			HotLimit:                   100,
			WarmLimit:                  500,
			CompactionThreshold:        1000,
			HotToWarmMinutes:           30,
			WarmToColdHours:            24,
			PromotionThreshold:         3,
			RetrievalLimit:             20,
			MaintenanceIntervalSeconds: 300,
			AutosaveSchedule:           "*/5 * * * *",
		},
		Storage: StorageConfig{
			Backend: BackendJSON,
			DataDir: "~/.dotmem/data",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults, then applies DOTMEM_* environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return gronx.New().IsValid(fl.Field().String())
	})
	return v
}

// Validate checks struct constraints and the cross-field rules.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, formatValidationError(fe))
		}
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		problems = append(problems, "channels.discord.token is required when discord is enabled")
	}
	if c.Memory.WarmLimit < c.Memory.HotLimit {
		problems = append(problems, fmt.Sprintf("memory.warm_limit (%d) must not be below memory.hot_limit (%d)", c.Memory.WarmLimit, c.Memory.HotLimit))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	fieldPath := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldPath)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", fieldPath, e.Param(), e.Value())
	case "cron":
		return fmt.Sprintf("%s must be a valid cron expression (got: %v)", fieldPath, e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", fieldPath, e.Tag(), e.Value())
	}
}

// formatFieldPath turns "Config.Memory.HotLimit" into "memory.hot_limit".
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 1 {
		return namespace
	}
	result := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		result = append(result, camelToSnake(p))
	}
	return strings.Join(result, ".")
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteRune('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// MemoryOptions converts the memory section into engine settings.
func (c *Config) MemoryOptions() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Memory
	return memory.Config{
		HotLimit:            m.HotLimit,
		WarmLimit:           m.WarmLimit,
		CompactionThreshold: m.CompactionThreshold,
		HotToWarmAge:        time.Duration(m.HotToWarmMinutes) * time.Minute,
		WarmToColdAge:       time.Duration(m.WarmToColdHours) * time.Hour,
		PromotionThreshold:  m.PromotionThreshold,
		RetrievalLimit:      m.RetrievalLimit,
		MaintenanceInterval: time.Duration(m.MaintenanceIntervalSeconds) * time.Second,
		AutosaveSchedule:    m.AutosaveSchedule,
	}
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DataDir)
}

// SQLitePath is where the sqlite backend keeps its database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir(), "state", "memory.db")
}

func (c *Config) Backend() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage.Backend
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
