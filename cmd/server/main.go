package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	charm "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/migrations"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "lobby",
	Short:        "節奏遊戲大廳伺服器",
	Long:         `節奏遊戲大廳伺服器：房間目錄、加入握手與房間即時同步`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動 HTTP 與 WebSocket 服務",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := internal.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := setupLogger(config.Log.Level, config.Log.Format)
		slog.SetDefault(logger)

		return serve(cmd.Context(), config, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "資料庫遷移（對戰紀錄表）",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "執行所有待處理的遷移",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(func(m *migrations.Migrator) error { return m.Up() })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "回滾一個版本",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(func(m *migrations.Migrator) error { return m.Down() })
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置檔路徑（yaml）")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMigration(run func(*migrations.Migrator) error) error {
	config, err := internal.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(config.Log.Level, config.Log.Format)

	m, err := migrations.New(config.PostgresDSN(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("關閉遷移管理器失敗", "error", err)
		}
	}()

	return run(m)
}

// setupLogger 設置日誌
//
// pretty 使用 charmbracelet/log 作為 slog.Handler，適合本機開發
func setupLogger(level, format string) *slog.Logger {
	logLevel := parseLogLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	case "pretty":
		pretty := charm.NewWithOptions(os.Stdout, charm.Options{
			Prefix:          "lobby",
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			ReportCaller:    logLevel == slog.LevelDebug,
		})
		pretty.SetLevel(charm.Level(logLevel))
		handler = pretty
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: logLevel == slog.LevelDebug, // debug 模式顯示源碼位置
		})
	}

	return slog.New(handler)
}

// parseLogLevel 解析日誌級別
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
