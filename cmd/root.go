package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tumibloom/discord--insight-bot/insightbot"
)

var (
	cfg        = insightbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "insightbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
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
	switch level {
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
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("could not load env file %s", configFile)
		}
	}

	viper.SetDefault("database", insightbot.DefaultDatabase)
	viper.SetDefault("database_type", insightbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		insightbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		insightbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("knowledge_base", insightbot.DefaultKnowledgeBasePath)
	viper.SetDefault("super_admins", []string{})
	viper.SetDefault("auto_reply_enabled", true)
	viper.SetDefault("keyword_trigger_enabled", true)
	viper.SetDefault("monitor_channels", []string{})
	viper.SetDefault("trigger_keywords", insightbot.DefaultTriggerKeywords)
	viper.SetDefault("retention_days", insightbot.DefaultRetentionDays)

	viper.SetDefault("log_level", insightbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", insightbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", insightbot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", insightbot.DefaultOpenAIModel)
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.max_tokens", insightbot.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.temperature", insightbot.DefaultOpenAITemperature)
	viper.SetDefault(
		"openai.request_timeout",
		insightbot.DefaultOpenAIRequestTimeout,
	)
	viper.SetDefault(
		"openai.max_requests_per_second",
		insightbot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", insightbot.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.custom_status", insightbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", insightbot.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.log_level",
		insightbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		insightbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		insightbot.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", insightbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", insightbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", insightbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		insightbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", insightbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", insightbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		insightbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		insightbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		insightbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", insightbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(insightbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = insightbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set("super_admins", viper.GetStringSlice("super_admins"))
	viper.Set("monitor_channels", viper.GetStringSlice("monitor_channels"))
	viper.Set("trigger_keywords", viper.GetStringSlice("trigger_keywords"))
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
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

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to use",
	)
}
