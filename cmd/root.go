package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/gemcord/gemcord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = gemcord.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"model.log_level",
	"imagine.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use: "gemcord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes strings like "INFO" or "debug" into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("history_dir", gemcord.DefaultHistoryDir)
	viper.SetDefault("database", gemcord.DefaultDatabase)
	viper.SetDefault("database_type", gemcord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		gemcord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		gemcord.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", gemcord.DefaultLogLevel.String())
	viper.SetDefault("log_file", "")

	viper.SetDefault("startup_timeout", gemcord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", gemcord.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		gemcord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		gemcord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		gemcord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.send_as_file", false)
	viper.SetDefault("discord.error_message", gemcord.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.custom_status", "")

	// Model config
	viper.SetDefault("model.token", "")
	viper.SetDefault("model.base_url", gemcord.DefaultModelBaseURL)
	viper.SetDefault("model.model", gemcord.DefaultModelName)
	viper.SetDefault("model.log_level", gemcord.DefaultModelLogLevel.String())
	viper.SetDefault(
		"model.max_requests_per_second",
		gemcord.DefaultModelMaxRequestsPerSecond,
	)
	viper.SetDefault("model.timeout", gemcord.DefaultModelTimeout)

	viper.SetDefault("retry.max_attempts", gemcord.DefaultRetryMaxAttempts)
	viper.SetDefault("retry.backoff", gemcord.DefaultRetryBackoff)

	// Image generation config
	viper.SetDefault("imagine.url", "")
	viper.SetDefault("imagine.fn_index", gemcord.DefaultImagineFnIndex)
	viper.SetDefault("imagine.trigger_id", gemcord.DefaultImagineTriggerID)
	viper.SetDefault("imagine.steps", gemcord.DefaultImagineSteps)
	viper.SetDefault("imagine.timeout", gemcord.DefaultImagineTimeout)
	viper.SetDefault("imagine.max_attempts", gemcord.DefaultImagineMaxAttempts)
	viper.SetDefault("imagine.backoff", gemcord.DefaultImagineBackoff)
	viper.SetDefault("imagine.log_level", gemcord.DefaultImagineLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", gemcord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", gemcord.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", gemcord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		gemcord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", gemcord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", gemcord.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		gemcord.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		gemcord.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		gemcord.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", gemcord.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		gemcord.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(gemcord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = gemcord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
