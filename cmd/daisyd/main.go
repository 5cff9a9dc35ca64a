// Command daisyd serves the voice assistant backend: a websocket and REST
// front end over per-session Claude CLI subprocesses.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/daisyvoice/daisy/claude"
	"github.com/daisyvoice/daisy/config"
	"github.com/daisyvoice/daisy/server"
	"github.com/daisyvoice/daisy/session"
	"github.com/daisyvoice/daisy/tts"
)

var (
	configPath  string
	watchConfig bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "daisyd",
	Short: "Voice assistant backend for Claude CLI sessions",
	Long: `daisyd bridges browsers to long-lived Claude CLI subprocesses.

Each session owns one agent process speaking the stream-json protocol.
Browsers connect over a websocket, stream partial results as the agent
works, and can interrupt at any time.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if errs := cfg.Validate(); len(errs) > 0 {
			return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
		}
		fmt.Println("configuration ok")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "daisy.yml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Reload config file on change")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	} else {
		switch strings.ToLower(level) {
		case "debug":
			lvl = slog.LevelDebug
		case "warn", "warning":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		}
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions:      cfg.Sessions.MaxSessions,
		SessionTimeout:   cfg.SessionTimeout(),
		ConversationsDir: cfg.ConversationsDir,
		DefaultProcess: claude.ProcessConfig{
			CLIPath:        cfg.Claude.CLIPath,
			WorkDir:        cfg.Claude.WorkDir,
			AllowedTools:   cfg.Claude.AllowedTools,
			PermissionMode: cfg.Claude.PermissionMode,
			Model:          cfg.Claude.Model,
		},
		Summarizer: summarizer(cfg, log),
	}, log)
	go registry.Run(ctx)

	var synth *tts.Piper
	if cfg.TTS.Enabled {
		synth, err = tts.NewPiper(tts.PiperConfig{
			Binary: cfg.TTS.PiperBinary,
			Model:  cfg.TTS.PiperModel,
			Speed:  cfg.TTS.Speed,
		}, log)
		if err != nil {
			return err
		}
	}

	srv := server.New(server.Config{
		Addr:             cfg.ListenAddr(),
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ConversationsDir: cfg.ConversationsDir,
	}, registry, ttsOrNil(synth), log)

	if watchConfig {
		go func() {
			err := config.Watch(ctx, configPath, log, func(newCfg *config.Config) {
				// Listener settings need a restart; agent settings apply
				// to sessions created from here on.
				registry.UpdateDefaults(claude.ProcessConfig{
					CLIPath:        newCfg.Claude.CLIPath,
					WorkDir:        newCfg.Claude.WorkDir,
					AllowedTools:   newCfg.Claude.AllowedTools,
					PermissionMode: newCfg.Claude.PermissionMode,
					Model:          newCfg.Claude.Model,
				})
			})
			if err != nil && ctx.Err() == nil {
				log.Error("config watcher stopped", "err", err)
			}
		}()
	}

	log.Info("daisyd starting", "addr", cfg.ListenAddr(), "tts", cfg.TTS.Enabled)
	err = srv.Run(ctx)
	registry.Close()
	return err
}

// summarizer returns the shared haiku summarizer, or nil when no API key is
// configured.
func summarizer(cfg *config.Config, log *slog.Logger) claude.Summarizer {
	s := claude.NewHaikuSummarizer(cfg.Claude.APIKey, log)
	if s == nil {
		log.Warn("ANTHROPIC_API_KEY not set, tool summaries disabled")
		return nil
	}
	return s
}

// ttsOrNil avoids handing the server a typed nil synthesizer.
func ttsOrNil(p *tts.Piper) server.Synthesizer {
	if p == nil {
		return nil
	}
	return p
}
