package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reknottycat/Qwen3-Livetranslate/dashscope"
	"github.com/reknottycat/Qwen3-Livetranslate/db"
	"github.com/reknottycat/Qwen3-Livetranslate/heartbeat"
	"github.com/reknottycat/Qwen3-Livetranslate/session"
	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
	"github.com/reknottycat/Qwen3-Livetranslate/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Int("queue-depth", 32, "Outbound frame queue depth per session")

	backoff := dashscope.DefaultBackoff()
	serveCmd.Flags().Duration("heartbeat-interval", heartbeat.DefaultInterval, "Idle time before pinging a leg")
	serveCmd.Flags().Duration("pong-timeout", heartbeat.DefaultPongTimeout, "Time after a ping before a leg is declared dead")
	serveCmd.Flags().Duration("connect-timeout", dashscope.DefaultConnectTimeout, "Upstream dial timeout")
	serveCmd.Flags().Duration("reconnect-base-delay", backoff.BaseDelay, "First reconnect delay")
	serveCmd.Flags().Float64("reconnect-multiplier", backoff.Multiplier, "Reconnect delay growth factor")
	serveCmd.Flags().Duration("reconnect-max-delay", backoff.MaxDelay, "Reconnect delay cap")
	serveCmd.Flags().Int("reconnect-attempts", backoff.MaxAttempts, "Reconnect attempts before giving up")

	viper.BindPFlag("heartbeat_interval", serveCmd.Flags().Lookup("heartbeat-interval"))
	viper.BindPFlag("pong_timeout", serveCmd.Flags().Lookup("pong-timeout"))
	viper.BindPFlag("connect_timeout", serveCmd.Flags().Lookup("connect-timeout"))
	viper.BindPFlag("reconnect_base_delay", serveCmd.Flags().Lookup("reconnect-base-delay"))
	viper.BindPFlag("reconnect_multiplier", serveCmd.Flags().Lookup("reconnect-multiplier"))
	viper.BindPFlag("reconnect_max_delay", serveCmd.Flags().Lookup("reconnect-max-delay"))
	viper.BindPFlag("reconnect_attempts", serveCmd.Flags().Lookup("reconnect-attempts"))

	rootCmd.AddCommand(serveCmd)

	sessionsCmd.Flags().Bool("db", false, "List sessions from the database archive instead of the transcript directory")
	rootCmd.AddCommand(sessionsCmd)

	rootCmd.PersistentFlags().String("dashscope-api-key", "", "DashScope API key")
	rootCmd.PersistentFlags().String("model", dashscope.DefaultModel, "Translation model name")
	rootCmd.PersistentFlags().String("target-language", dashscope.DefaultTargetLanguage, "Translation target language")
	rootCmd.PersistentFlags().String("voice", dashscope.DefaultVoice, "Speech synthesis voice")
	rootCmd.PersistentFlags().Bool("speech", true, "Synthesize speech for finalized translations")
	rootCmd.PersistentFlags().String("transcript-dir", "transcripts", "Directory for session transcripts")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL for the transcript archive (optional)")

	viper.BindPFlag(
		"dashscope_api_key",
		rootCmd.PersistentFlags().Lookup("dashscope-api-key"),
	)
	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag(
		"target_language",
		rootCmd.PersistentFlags().Lookup("target-language"),
	)
	viper.BindPFlag("voice", rootCmd.PersistentFlags().Lookup("voice"))
	viper.BindPFlag("speech", rootCmd.PersistentFlags().Lookup("speech"))
	viper.BindPFlag(
		"transcript_dir",
		rootCmd.PersistentFlags().Lookup("transcript-dir"),
	)
	viper.BindPFlag(
		"database_url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

func createLoggers() (mainLogger, webLogger, sessionLogger, dataLogger *log.Logger) {
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	webLogger = logger.With().WithPrefix("http")
	sessionLogger = logger.With().WithPrefix("sess")
	dataLogger = logger.With().WithPrefix("data")

	return
}

var rootCmd = &cobra.Command{
	Use:   "livetranslate",
	Short: "Realtime speech translation relay",
	Long:  `Relays microphone audio from the browser to a cloud translation model and streams translations, synthesized speech, and durable transcripts back.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Run:   runServe,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	Run:   runSessions,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// buildSessionConfig assembles the session configuration from viper-bound
// flags, config file, and environment.
func buildSessionConfig(cmd *cobra.Command) session.Config {
	cfg := session.DefaultConfig()
	cfg.TranscriptDir = viper.GetString("transcript_dir")
	cfg.QueueDepth, _ = cmd.Flags().GetInt("queue-depth")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat_interval")
	cfg.PongTimeout = viper.GetDuration("pong_timeout")
	cfg.Upstream = dashscope.Options{
		APIKey:         viper.GetString("dashscope_api_key"),
		Model:          viper.GetString("model"),
		TargetLanguage: viper.GetString("target_language"),
		Voice:          viper.GetString("voice"),
		AudioEnabled:   viper.GetBool("speech"),
		ConnectTimeout: viper.GetDuration("connect_timeout"),
		Backoff: dashscope.Backoff{
			BaseDelay:   viper.GetDuration("reconnect_base_delay"),
			Multiplier:  viper.GetFloat64("reconnect_multiplier"),
			MaxDelay:    viper.GetDuration("reconnect_max_delay"),
			MaxAttempts: viper.GetInt("reconnect_attempts"),
		},
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, webLogger, sessionLogger, dataLogger := createLoggers()

	if viper.GetString("dashscope_api_key") == "" {
		mainLogger.Fatal("no API key configured",
			"hint", "set DASHSCOPE_API_KEY or dashscope_api_key in config.yaml")
	}

	cfg := buildSessionConfig(cmd)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dbURL := viper.GetString("database_url"); dbURL != "" {
		store, err := db.Open(ctx, dbURL)
		if err != nil {
			mainLogger.Fatal("failed to open database", "error", err.Error())
		}
		defer store.Close()
		dataLogger.Info("archiving transcripts to database")
		cfg.Archive = store
		cfg.Registry = store
	}

	manager := session.NewManager(cfg, sessionLogger)
	server := web.NewServer(manager, cfg.TranscriptDir, webLogger)

	port, _ := cmd.Flags().GetInt("port")
	if err := server.Serve(ctx, fmt.Sprintf(":%d", port)); err != nil {
		mainLogger.Fatal("server stopped", "error", err.Error())
	}
}

func runSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger := createLoggers()

	fromDB, _ := cmd.Flags().GetBool("db")
	if fromDB {
		listFromDatabase(mainLogger, dataLogger)
		return
	}

	summaries, err := transcript.List(viper.GetString("transcript_dir"))
	if err != nil {
		mainLogger.Fatal("failed to list transcripts", "error", err.Error())
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := newSessionTable()
	for _, s := range summaries {
		state := "open"
		if s.Closed {
			state = "closed"
		}
		table.Append([]string{
			s.SessionID,
			s.ModTime.Format("2006-01-02 15:04:05"),
			state,
			fmt.Sprintf("%d", s.Turns),
		})
	}
	table.Render()
}

func listFromDatabase(mainLogger, dataLogger *log.Logger) {
	ctx := context.Background()

	dbURL := viper.GetString("database_url")
	if dbURL == "" {
		mainLogger.Fatal("no database configured",
			"hint", "set DATABASE_URL or database_url in config.yaml")
	}

	store, err := db.Open(ctx, dbURL)
	if err != nil {
		dataLogger.Fatal("failed to open database", "error", err.Error())
	}
	defer store.Close()

	rows, err := store.ListSessions(ctx)
	if err != nil {
		dataLogger.Fatal("failed to list sessions", "error", err.Error())
	}
	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := newSessionTable()
	for _, r := range rows {
		state := "open"
		if r.ClosedAt != nil {
			state = "closed"
		}
		table.Append([]string{
			r.ID,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			state,
			fmt.Sprintf("%d", r.Turns),
		})
	}
	table.Render()
}

func newSessionTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Started", "State", "Turns"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}
