package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	General GeneralConfig `json:"general"`
	HTTP    HTTPConfig    `json:"http"`
	Session SessionConfig `json:"session"`
	Send    SendConfig    `json:"send"`
	Uploads UploadsConfig `json:"uploads"`
	Journal JournalConfig `json:"journal"`
	Notify  NotifyConfig  `json:"notify"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	DataDir  string `json:"dataDir"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	BasePath            string `json:"basePath"`
	APIKey              string `json:"apiKey,omitempty"` // empty = no auth
	ReadTimeoutSeconds  int    `json:"readTimeoutSeconds"`
	WriteTimeoutSeconds int    `json:"writeTimeoutSeconds"`
}

// Addr returns host:port for net/http.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SessionConfig configures the browser-backed messaging session.
type SessionConfig struct {
	DataPath             string `json:"dataPath"`
	ChromePath           string `json:"chromePath,omitempty"`
	Headless             bool   `json:"headless"`
	WebURL               string `json:"webURL,omitempty"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	ReconnectDelayMs     int    `json:"reconnectDelayMs"`
	InitTimeoutMs        int    `json:"initTimeoutMs"` // 0 = no init guard
	StaleReinitDelayMs   int    `json:"staleReinitDelayMs"`
}

type SendConfig struct {
	AckTimeoutMs       int    `json:"ackTimeoutMs"`
	DefaultCountryCode string `json:"defaultCountryCode"`

	// Outbound pacing. RatePerMinute 0 disables it.
	RatePerMinute float64 `json:"ratePerMinute"`
	Burst         int     `json:"burst"`

	// AttachmentDirs limits server-side attachment paths. The upload
	// directory is always allowed once this is set.
	AttachmentDirs []string `json:"attachmentDirs,omitempty"`
}

// UploadsConfig configures multipart upload storage and cleanup.
type UploadsConfig struct {
	Dir                    string `json:"dir"`
	MaxSizeBytes           int64  `json:"maxSizeBytes"`
	MaxAgeHours            int    `json:"maxAgeHours"`
	CleanupIntervalMinutes int    `json:"cleanupIntervalMinutes"`
}

// JournalConfig configures the SQLite delivery journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"` // 0 = keep forever
}

// NotifyConfig configures operator alerts for pairing and connection loss.
type NotifyConfig struct {
	Terminal bool           `json:"terminal"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled bool           `json:"enabled"`
	Token   string         `json:"token,omitempty"`
	ChatIDs FlexStringList `json:"chatIds"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Int64s parses every entry as a base-10 integer (Telegram chat IDs).
func (f FlexStringList) Int64s() ([]int64, error) {
	out := make([]int64, 0, len(f))
	for _, s := range f {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	BotToken   string `json:"botToken,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.wagateway).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagateway"
	}
	return filepath.Join(home, ".wagateway")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); errors.Is(err, fs.ErrNotExist) {
		cfg := Defaults()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		cfg.expandPaths()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// yamlToJSON re-encodes a YAML document as JSON so a single set of struct
// tags (and FlexStringList) drives both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// ApplyEnv applies the deployment environment overrides: SESSION_PATH,
// PORT and WAGW_API_KEY.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("SESSION_PATH"); v != "" {
		cfg.Session.DataPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.HTTP.Port = port
	}
	if v := os.Getenv("WAGW_API_KEY"); v != "" {
		cfg.HTTP.APIKey = v
	}
	return nil
}

func (c *Config) expandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.Session.DataPath = ExpandPath(c.Session.DataPath)
	c.Session.ChromePath = ExpandPath(c.Session.ChromePath)
	c.Uploads.Dir = ExpandPath(c.Uploads.Dir)
	c.Journal.DBPath = ExpandPath(c.Journal.DBPath)
	for i, d := range c.Send.AttachmentDirs {
		c.Send.AttachmentDirs[i] = ExpandPath(d)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or as YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
	}
	if cfg.HTTP.BasePath != "" && !strings.HasPrefix(cfg.HTTP.BasePath, "/") {
		errs = append(errs, "http.basePath must start with /")
	}
	if cfg.HTTP.ReadTimeoutSeconds < 0 || cfg.HTTP.WriteTimeoutSeconds < 0 {
		errs = append(errs, "http timeouts must be >= 0")
	}

	if cfg.Session.DataPath == "" {
		errs = append(errs, "session.dataPath is required")
	}
	if cfg.Session.MaxReconnectAttempts < 1 {
		errs = append(errs, "session.maxReconnectAttempts must be >= 1")
	}
	if cfg.Session.ReconnectDelayMs < 1 {
		errs = append(errs, "session.reconnectDelayMs must be >= 1")
	}
	if cfg.Session.InitTimeoutMs < 0 {
		errs = append(errs, "session.initTimeoutMs must be >= 0")
	}
	if cfg.Session.StaleReinitDelayMs < 1 {
		errs = append(errs, "session.staleReinitDelayMs must be >= 1")
	}

	if cfg.Send.AckTimeoutMs < 1 {
		errs = append(errs, "send.ackTimeoutMs must be >= 1")
	}
	if cfg.Send.DefaultCountryCode != "" && strings.Trim(cfg.Send.DefaultCountryCode, "0123456789") != "" {
		errs = append(errs, "send.defaultCountryCode must contain digits only")
	}
	if cfg.Send.RatePerMinute < 0 {
		errs = append(errs, "send.ratePerMinute must be >= 0")
	}
	if cfg.Send.Burst < 0 {
		errs = append(errs, "send.burst must be >= 0")
	}

	if cfg.Uploads.Dir == "" {
		errs = append(errs, "uploads.dir is required")
	}
	if cfg.Uploads.MaxSizeBytes < 1 {
		errs = append(errs, "uploads.maxSizeBytes must be >= 1")
	}
	if cfg.Uploads.MaxAgeHours < 1 {
		errs = append(errs, "uploads.maxAgeHours must be >= 1")
	}
	if cfg.Uploads.CleanupIntervalMinutes < 1 {
		errs = append(errs, "uploads.cleanupIntervalMinutes must be >= 1")
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retentionDays must be >= 0")
	}

	if t := cfg.Notify.Telegram; t.Enabled {
		if t.Token == "" {
			errs = append(errs, "notify.telegram.token is required when enabled")
		}
		if _, err := t.ChatIDs.Int64s(); err != nil {
			errs = append(errs, fmt.Sprintf("notify.telegram.chatIds: %v", err))
		}
	}
	if s := cfg.Notify.Slack; s.Enabled && s.WebhookURL == "" && (s.BotToken == "" || s.Channel == "") {
		errs = append(errs, "notify.slack needs webhookUrl or botToken+channel when enabled")
	}
	if d := cfg.Notify.Discord; d.Enabled && (d.Token == "" || d.ChannelID == "") {
		errs = append(errs, "notify.discord needs token and channelId when enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
