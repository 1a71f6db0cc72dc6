package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath string
	logLevel   string
	logFile    string
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edugate",
		Short: "AI request gateway for the education platform",
		Long: `edugate sits between the platform and its AI providers. It authorizes
requests by role and purpose, scrubs personal data, audits every decision,
caches deterministic responses and fails over between providers.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger())
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file (rotated) instead of stdout")

	root.AddCommand(serveCmd())
	root.AddCommand(testConnectionCmd())
	root.AddCommand(listModelsCmd())
	root.AddCommand(issueTokenCmd())
	root.AddCommand(auditCmd())
	return root
}

// newLogger builds the structured JSON logger.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if logFile != "" {
		return slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		}, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
