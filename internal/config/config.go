package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the voice agent process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Model   ModelConfig
	Session SessionConfig
	Limits  LimitConfig
	Tools   ToolConfig
	TTS     TTSConfig
	Tenant  TenantConfig
	Breaker BreakerConfig
	Twilio  TwilioConfig
	Notify  NotifyConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicHost is the externally reachable host used to build the
	// wss:// stream URL handed to the telephony provider.
	PublicHost string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	// URL is optional; empty means the session store runs in-memory only.
	URL string
}

type ModelConfig struct {
	APIKey string
	WSURL  string

	Voice          string
	Temperature    float64
	MaxTokens      int
	ConnectTimeout time.Duration

	// Server-side VAD tuning sent in session.update.
	VADThreshold       float64
	VADPrefixPaddingMs int
	VADSilenceMs       int
}

type SessionConfig struct {
	TTL       time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

type LimitConfig struct {
	MaxCallDuration time.Duration
	PerCallerCalls  int
	PerCallerWindow time.Duration
}

type ToolConfig struct {
	BudgetPerResponse int
	Timeout           time.Duration
}

type TTSConfig struct {
	// Providers is the ordered provider list; empty means builtin only.
	Providers []string
	Timeout   time.Duration

	Premium   TTSEndpoint
	Secondary TTSEndpoint
}

// TTSEndpoint describes one HTTP synthesis provider.
type TTSEndpoint struct {
	Name   string
	URL    string
	APIKey string
	Voice  string
	Format string // mulaw_8000 | mp3
}

type TenantConfig struct {
	CompanyName     string
	DefaultGreeting string
	TransferPhone   string
	EmergencyPhone  string
	PreferStreaming bool
}

type BreakerConfig struct {
	Threshold int
	Recovery  time.Duration
}

type TwilioConfig struct {
	AuthToken string
}

type NotifyConfig struct {
	// URL receives booking confirmations, emergency alerts and post-call
	// summaries. Empty disables notification fan-out.
	URL    string
	APIKey string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicHost = strings.TrimSpace(os.Getenv("PUBLIC_HOST"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.URL = strings.TrimSpace(os.Getenv("KV_URL"))

	c.Model.APIKey = os.Getenv("MODEL_API_KEY")
	c.Model.WSURL = strings.TrimSpace(os.Getenv("MODEL_WS_URL"))
	c.Model.Voice = envDefault("MODEL_VOICE", "alloy")
	c.Model.Temperature = envFloat("MODEL_TEMPERATURE", 0.7)
	c.Model.MaxTokens = envInt("MODEL_MAX_TOKENS", 4096)
	c.Model.ConnectTimeout = envSeconds("MODEL_CONNECT_TIMEOUT_SECONDS", 5*time.Second)
	c.Model.VADThreshold = envFloat("MODEL_VAD_THRESHOLD", 0.5)
	c.Model.VADPrefixPaddingMs = envInt("MODEL_VAD_PREFIX_PADDING_MS", 300)
	c.Model.VADSilenceMs = envInt("MODEL_VAD_SILENCE_MS", 500)

	c.Session.TTL = envSeconds("KV_TTL_SECONDS", time.Hour)
	c.Session.CacheSize = envInt("SESSION_CACHE_SIZE", 1000)
	c.Session.CacheTTL = envSeconds("SESSION_CACHE_TTL", 5*time.Minute)

	c.Limits.MaxCallDuration = envSeconds("MAX_CALL_DURATION_SECONDS", 10*time.Minute)
	c.Limits.PerCallerCalls = envInt("PER_CALLER_CALL_LIMIT", 5)
	c.Limits.PerCallerWindow = envSeconds("PER_CALLER_WINDOW_SECONDS", time.Hour)

	c.Tools.BudgetPerResponse = envInt("TOOL_BUDGET_PER_RESPONSE", 5)
	c.Tools.Timeout = envSeconds("TOOL_TIMEOUT_SECONDS", 3*time.Second)

	if v := strings.TrimSpace(os.Getenv("TTS_PROVIDERS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TTS.Providers = append(c.TTS.Providers, p)
			}
		}
	}
	c.TTS.Timeout = time.Duration(envInt("TTS_TIMEOUT_MS", 2000)) * time.Millisecond
	c.TTS.Premium = TTSEndpoint{
		Name:   envDefault("TTS_PREMIUM_NAME", "elevenlabs"),
		URL:    strings.TrimSpace(os.Getenv("TTS_PREMIUM_URL")),
		APIKey: os.Getenv("TTS_PREMIUM_API_KEY"),
		Voice:  strings.TrimSpace(os.Getenv("TTS_PREMIUM_VOICE")),
		Format: envDefault("TTS_PREMIUM_FORMAT", "mulaw_8000"),
	}
	c.TTS.Secondary = TTSEndpoint{
		Name:   envDefault("TTS_SECONDARY_NAME", "azure"),
		URL:    strings.TrimSpace(os.Getenv("TTS_SECONDARY_URL")),
		APIKey: os.Getenv("TTS_SECONDARY_API_KEY"),
		Voice:  strings.TrimSpace(os.Getenv("TTS_SECONDARY_VOICE")),
		Format: envDefault("TTS_SECONDARY_FORMAT", "mp3"),
	}

	c.Tenant.CompanyName = envDefault("COMPANY_NAME", "Comfort Air Services")
	c.Tenant.DefaultGreeting = envDefault("DEFAULT_GREETING",
		"Thanks for calling! How can I help with your heating or cooling today?")
	c.Tenant.TransferPhone = strings.TrimSpace(os.Getenv("TRANSFER_PHONE"))
	c.Tenant.EmergencyPhone = strings.TrimSpace(os.Getenv("EMERGENCY_PHONE"))
	c.Tenant.PreferStreaming = envDefault("PREFER_STREAMING", "true") != "false"

	c.Breaker.Threshold = envInt("BREAKER_THRESHOLD", 5)
	c.Breaker.Recovery = envSeconds("BREAKER_RECOVERY_SECONDS", time.Minute)

	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	c.Notify.URL = strings.TrimSpace(os.Getenv("NOTIFY_URL"))
	c.Notify.APIKey = os.Getenv("NOTIFY_API_KEY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.IsProduction() && c.App.PublicHost == "" {
		errs = append(errs, errors.New("PUBLIC_HOST is required in production"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Model.APIKey == "" {
		errs = append(errs, errors.New("MODEL_API_KEY is required"))
	}
	if c.Model.WSURL == "" {
		errs = append(errs, errors.New("MODEL_WS_URL is required"))
	} else if !strings.HasPrefix(c.Model.WSURL, "ws://") && !strings.HasPrefix(c.Model.WSURL, "wss://") {
		errs = append(errs, fmt.Errorf("MODEL_WS_URL must be a ws:// or wss:// URL, got %q", c.Model.WSURL))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("MODEL_TEMPERATURE must be within [0,2], got %v", c.Model.Temperature))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("KV_TTL_SECONDS must be > 0"))
	}
	if c.Session.CacheSize <= 0 {
		errs = append(errs, errors.New("SESSION_CACHE_SIZE must be > 0"))
	}

	if c.Limits.MaxCallDuration <= 0 {
		errs = append(errs, errors.New("MAX_CALL_DURATION_SECONDS must be > 0"))
	}
	if c.Limits.PerCallerCalls <= 0 {
		errs = append(errs, errors.New("PER_CALLER_CALL_LIMIT must be > 0"))
	}
	if c.Limits.PerCallerWindow <= 0 {
		errs = append(errs, errors.New("PER_CALLER_WINDOW_SECONDS must be > 0"))
	}

	if c.Tools.BudgetPerResponse <= 0 {
		errs = append(errs, errors.New("TOOL_BUDGET_PER_RESPONSE must be > 0"))
	}
	if c.Tools.Timeout <= 0 {
		errs = append(errs, errors.New("TOOL_TIMEOUT_SECONDS must be > 0"))
	}

	if c.Breaker.Threshold <= 0 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be > 0"))
	}
	if c.Breaker.Recovery <= 0 {
		errs = append(errs, errors.New("BREAKER_RECOVERY_SECONDS must be > 0"))
	}

	if c.IsProduction() && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production (webhook signature validation)"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// StreamURL is the websocket URL the telephony provider connects back to.
func (c Config) StreamURL() string {
	host := c.App.PublicHost
	if host == "" {
		host = fmt.Sprintf("localhost:%d", c.App.Port)
	}
	return fmt.Sprintf("wss://%s/voice/stream", host)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envSeconds reads an env var holding a number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
