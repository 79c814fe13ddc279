package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"execguard/internal/bus"
	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/engine"
	"execguard/internal/identity"
	"execguard/internal/rules"
	"execguard/internal/server"
	"execguard/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "execguard",
		Short:        "execguard: binary execution authorization",
		Long:         "execguard decides whether binaries may run, based on hash, signature and path rules.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.execguard/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(ruleCmd())
	root.AddCommand(provenanceCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("execguard", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{
				filepath.Dir(config.ExpandPath(cfg.Rules.DBPath)),
				config.ExpandPath(cfg.Rules.ImportDir),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "rules", config.ExpandPath(cfg.Rules.DBPath))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does not
// exist. A file that exists but does not validate is an error.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg := config.Defaults()
		cfg.Rules.DBPath = config.ExpandPath(cfg.Rules.DBPath)
		cfg.Rules.ImportDir = config.ExpandPath(cfg.Rules.ImportDir)
		cfg.Server.Socket = config.ExpandPath(cfg.Server.Socket)
		cfg.Server.PIDFile = config.ExpandPath(cfg.Server.PIDFile)
		return cfg, nil
	}
	return config.Load(cfgPath)
}

// setupLogger replaces the global logger according to the general section.
// The returned closer releases the log file, if any.
func setupLogger(cfg *config.Config) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return closer, nil
}

// openRules opens the rules database and loads it into a store.
func openRules(ctx context.Context, cfg *config.Config) (*storage.SQLiteStore, *rules.Store, error) {
	db, err := storage.NewSQLiteStore(cfg.Rules.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("rules database: %w", err)
	}
	store := rules.NewStore(db, logger)
	if err := store.Load(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func checkCmd() *cobra.Command {
	var local, asJSON bool
	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Show the decision for a binary",
		Long: `Hashes the file, reads its code signature and asks the running server for a
decision. Without a running server, or with --local, the decision is computed
in-process from the rules database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			id, err := identity.FromFile(ctx, path)
			if err != nil {
				return err
			}
			req := engine.Request{PID: os.Getpid(), Identity: id}

			var resp server.WireResponse
			source := "server"
			client := server.NewClient(cfg.Server.Socket)
			if local || client.Ping() != nil {
				source = "local"
				resp, err = checkLocal(ctx, cfg, req)
			} else {
				resp, _, err = client.Authorize(ctx, req)
			}
			if err != nil {
				return err
			}

			if asJSON {
				data, _ := json.MarshalIndent(map[string]any{
					"identity": id,
					"response": resp,
					"source":   source,
				}, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			printIdentity(id)
			fmt.Printf("  %-15s %s (%s)\n", "Decision:", strings.ToUpper(resp.Action), source)
			fmt.Printf("  %-15s %s\n", "Reason:", resp.Reason)
			if resp.Message != "" {
				fmt.Printf("  %-15s %s\n", "Message:", resp.Message)
			}
			if resp.FailSafe {
				fmt.Printf("  %-15s %s\n", "Fail-safe:", resp.Cause)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "evaluate in-process even when a server is running")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func checkLocal(ctx context.Context, cfg *config.Config, req engine.Request) (server.WireResponse, error) {
	db, store, err := openRules(ctx, cfg)
	if err != nil {
		return server.WireResponse{}, err
	}
	defer db.Close()

	settings, err := engine.SettingsFromConfig(cfg.Policy)
	if err != nil {
		return server.WireResponse{}, err
	}
	eng := engine.New(settings, engine.Options{Rules: store, Logger: logger})
	return server.ToWire(eng.Authorize(ctx, req)), nil
}

func printIdentity(id domain.ExecutionIdentity) {
	fmt.Printf("  %-15s %s\n", "Path:", id.Path)
	fmt.Printf("  %-15s %s\n", "SHA-256:", id.SHA256)
	if id.CDHash != "" {
		fmt.Printf("  %-15s %s\n", "CDHash:", id.CDHash)
	}
	if id.SigningID != "" {
		fmt.Printf("  %-15s %s\n", "Signing ID:", id.SigningID)
	}
	if id.TeamID != "" {
		fmt.Printf("  %-15s %s\n", "Team ID:", id.TeamID)
	}
	fmt.Printf("  %-15s %s\n", "Signature:", id.SigningStatus)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server, rule and event status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, statErr := os.Stat(cfgPath)
			fmt.Printf("Config:      %s (loaded: %v)\n", cfgPath, statErr == nil)
			fmt.Printf("Mode:        %s (hold policy: %s)\n", cfg.Policy.Mode, cfg.Policy.HoldPolicy)
			fmt.Printf("Sync:        %s\n", config.SyncStatus(cfg))

			if pid, ok := server.Running(cfg.Server.PIDFile); ok {
				client := server.NewClient(cfg.Server.Socket)
				reachable := client.Ping() == nil
				fmt.Printf("Server:      running (PID %d, socket reachable: %v)\n", pid, reachable)
				if reachable {
					printRecent(cmd.Context(), client)
				}
			} else {
				fmt.Printf("Server:      not running\n")
			}

			if _, err := os.Stat(cfg.Rules.DBPath); err != nil {
				fmt.Printf("Rules:       no database at %s\n", cfg.Rules.DBPath)
				return nil
			}
			db, store, err := openRules(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			counts := store.Counts()
			parts := make([]string, 0, len(domain.RulePrecedence))
			total := 0
			for _, t := range domain.RulePrecedence {
				parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
				total += counts[t]
			}
			fmt.Printf("Rules:       %s (%s)\n", humanize.Comma(int64(total)), strings.Join(parts, " "))

			events, err := db.RecentEvents(cmd.Context(), 1)
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Printf("Last event:  %s %s (%s)\n", events[0].Path, events[0].Action, humanize.Time(events[0].CreatedAt))
			}
			return nil
		},
	}
}

// printRecent summarizes fail-safe decisions and bundle events the running
// server still holds in its event history.
func printRecent(ctx context.Context, client *server.Client) {
	for _, topic := range []struct{ label, name string }{
		{"Fail-safe:", bus.EventDecisionFailSafe},
		{"Bundles:", bus.EventDecisionBundle},
	} {
		events, err := client.Recent(ctx, server.RecentQuery{Type: topic.name})
		if err != nil {
			logger.Debug("recent events unavailable", "topic", topic.name, "err", err)
			return
		}
		if len(events) == 0 {
			fmt.Printf("%-12s none recently\n", topic.label)
			continue
		}
		last := events[len(events)-1]
		fmt.Printf("%-12s %s recent (last: %v, %s)\n", topic.label,
			humanize.Comma(int64(len(events))), last.Payload["path"], humanize.Time(last.Time))
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recently recorded decision events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.NewSQLiteStore(cfg.Rules.DBPath, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				state := (ev.EventState &^ domain.EventStateAux).String()
				silent := ""
				if ev.Silent {
					silent = " (silent)"
				}
				fmt.Printf("%-14s %-6s %-22s %s%s\n", humanize.Time(ev.CreatedAt), ev.Action, state, ev.Path, silent)
			}
			if len(events) == 0 {
				fmt.Println("no events recorded")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. policy.mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. policy.mode lockdown)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			signalReload(cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// signalReload asks a running server to reload config and rules.
func signalReload(cfg *config.Config) {
	pid, err := server.Reload(cfg.Server.PIDFile)
	if err != nil {
		logger.Debug("no server reloaded", "err", err)
		return
	}
	logger.Info("server reload requested", "pid", pid)
}
