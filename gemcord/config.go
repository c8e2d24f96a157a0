//nolint:lll // struct tags can't be split
package gemcord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix             = "GEMCORD_ENV_PREFIX"
	DefaultEnvPrefix               = "GC"
	DefaultHistoryDir              = "conversation_history"
	DefaultDatabaseType            = "sqlite"
	DefaultDatabase                = "gemcord.sqlite3"
	DefaultLogLevel                = slog.LevelInfo
	DefaultStartupTimeout          = 30 * time.Second
	DefaultShutdownTimeout         = 60 * time.Second
	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultModelLogLevel           = slog.LevelInfo
	DefaultImagineLogLevel         = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DiscordSlashCommandMemory   = "memory"
	DiscordSlashCommandImagine  = "imagine"
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences
	DefaultDiscordErrorMessage = "sorry, something went wrong!"

	DefaultModelBaseURL              = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModelName                 = "gemini-1.5-flash"
	DefaultModelMaxRequestsPerSecond = 1
	DefaultModelTimeout              = 2 * time.Minute

	DefaultRetryMaxAttempts = 3
	DefaultRetryBackoff     = time.Second

	DefaultImagineFnIndex     = 2
	DefaultImagineTriggerID   = 5
	DefaultImagineSteps       = 4
	DefaultImagineTimeout     = 2 * time.Minute
	DefaultImagineMaxAttempts = 3
	DefaultImagineBackoff     = time.Second

	// discordChunkSize is the maximum size of a single outbound message.
	// Discord allows 2000, this leaves some headroom.
	discordChunkSize = 1950
)

var structValidator = validator.New()

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// HistoryDir is the folder holding one JSON conversation file per server
	HistoryDir string `yaml:"history_dir" mapstructure:"history_dir" json:"history_dir" binding:"required"`

	// Database connection string, or SQLite file path, for the audit log
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile, if set, receives a copy of all log output, rotated by size
	LogFile string `yaml:"log_file" mapstructure:"log_file" json:"log_file"`

	// StartupTimeout bounds loading history, opening the database, and
	// connecting to the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow in-flight handlers to finish
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Model   *ModelConfig   `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	Retry   *RetryConfig   `yaml:"retry" mapstructure:"retry" json:"retry" binding:"required"`
	Imagine *ImagineConfig `yaml:"imagine" mapstructure:"imagine" json:"imagine" binding:"required"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Reading members, presences and message
	// content are privileged, and must be enabled in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// SendAsFile sends long replies, and /memory output, as a text file
	// attachment rather than a series of messages.
	SendAsFile bool `yaml:"send_as_file" mapstructure:"send_as_file" json:"send_as_file"`

	// ErrorMessage is sent as a reply when a chat message couldn't be
	// answered after all retries. Empty means no reply is sent.
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// CustomStatus is shown as the bot's custom status, if set
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// ModelConfig configures the generative model endpoint. Any endpoint
// speaking the OpenAI chat completions API works, the default is
// Gemini's compatibility endpoint.
type ModelConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// MaxRequestsPerSecond limits outbound completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// Timeout bounds a single completion request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// RetryConfig configures retries of the full chat handling pipeline.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff" json:"backoff" binding:"min=0"`
}

// ImagineConfig configures the queued image generation endpoint used
// by the /imagine command.
type ImagineConfig struct {
	// URL is the base URL of the queue API (the path /queue/join is
	// appended). Empty disables /imagine.
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"omitempty,url"`

	// FnIndex and TriggerID identify the generation function on the endpoint
	FnIndex   int `yaml:"fn_index" mapstructure:"fn_index" json:"fn_index" binding:"min=0"`
	TriggerID int `yaml:"trigger_id" mapstructure:"trigger_id" json:"trigger_id" binding:"min=0"`

	// Steps is the number of inference steps requested
	Steps int `yaml:"steps" mapstructure:"steps" json:"steps" binding:"min=1"`

	// Timeout bounds a single submit+stream attempt
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff" json:"backoff" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the read-only admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Development exposes pprof endpoints under /debug/pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	modelLogLevel := &slog.LevelVar{}
	imagineLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	modelLogLevel.Set(DefaultModelLogLevel)
	imagineLogLevel.Set(DefaultImagineLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		HistoryDir:            DefaultHistoryDir,
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		Model: &ModelConfig{
			BaseURL:              DefaultModelBaseURL,
			Model:                DefaultModelName,
			LogLevel:             modelLogLevel,
			MaxRequestsPerSecond: DefaultModelMaxRequestsPerSecond,
			Timeout:              DefaultModelTimeout,
		},
		Retry: &RetryConfig{
			MaxAttempts: DefaultRetryMaxAttempts,
			Backoff:     DefaultRetryBackoff,
		},
		Imagine: &ImagineConfig{
			FnIndex:     DefaultImagineFnIndex,
			TriggerID:   DefaultImagineTriggerID,
			Steps:       DefaultImagineSteps,
			Timeout:     DefaultImagineTimeout,
			MaxAttempts: DefaultImagineMaxAttempts,
			Backoff:     DefaultImagineBackoff,
			LogLevel:    imagineLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // validation uses the same tag as gin
func init() {
	structValidator.SetTagName("binding")
}
