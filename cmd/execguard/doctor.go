package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/engine"
	"execguard/internal/server"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your execguard installation",
		Long: `Verifies that execguard's configuration, rules database, socket, event log
and signature tooling are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("execguard doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'execguard init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Policy settings
			if settings, err := engine.SettingsFromConfig(cfg.Policy); err != nil {
				printFail("Policy", err.Error())
				failed++
			} else {
				printPass("Policy", fmt.Sprintf("mode=%s hold=%s", settings.Mode, settings.HoldPolicy))
				passed++
			}

			// 4. Rules database writable
			if err := checkDatabase(cfg.Rules.DBPath); err != nil {
				printFail("Rules database", err.Error())
				failed++
			} else {
				printPass("Rules database", cfg.Rules.DBPath)
				passed++
			}

			// 5. Rule import directory
			if cfg.Rules.ImportDir != "" {
				if info, err := os.Stat(cfg.Rules.ImportDir); err != nil {
					printWarn("Rule files", fmt.Sprintf("not found: %s", cfg.Rules.ImportDir))
					warned++
				} else if !info.IsDir() {
					printFail("Rule files", fmt.Sprintf("not a directory: %s", cfg.Rules.ImportDir))
					failed++
				} else {
					printPass("Rule files", cfg.Rules.ImportDir)
					passed++
				}
			}

			// 6. Socket and server
			if pid, ok := server.Running(cfg.Server.PIDFile); ok {
				if err := server.NewClient(cfg.Server.Socket).Ping(); err != nil {
					printFail("Server", fmt.Sprintf("PID %d running but socket unreachable: %v", pid, err))
					failed++
				} else {
					printPass("Server", fmt.Sprintf("running (PID %d)", pid))
					passed++
				}
			} else if err := checkDirWritable(filepath.Dir(cfg.Server.Socket)); err != nil {
				printFail("Socket directory", err.Error())
				failed++
			} else {
				printWarn("Server", "not running")
				warned++
			}

			// 7. Event log
			if err := checkEventLog(cfg); err != nil {
				printFail("Event log", err.Error())
				failed++
			} else {
				printPass("Event log", cfg.Events.LogType)
				passed++
			}

			// 8. Signature tooling
			if runtime.GOOS == "darwin" {
				if p, err := exec.LookPath("codesign"); err != nil {
					printFail("codesign", "not found in PATH")
					failed++
				} else {
					printPass("codesign", p)
					passed++
				}
				if _, err := os.Stat(domain.DaemonPath); err != nil {
					printWarn("System extension", fmt.Sprintf("not installed (%s)", domain.AppPath))
					warned++
				} else {
					printPass("System extension", domain.DaemonPath)
					passed++
				}
			} else {
				printWarn("codesign", "not available on "+runtime.GOOS)
				warned++
			}

			// 9. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics", fmt.Sprintf("%s in use (%v)", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics", cfg.Metrics.Listen+cfg.Metrics.Path)
					passed++
				}
			}

			// 10. Sync section
			if status := config.SyncStatus(cfg); status != domain.SyncStatusTypeSuccess {
				printWarn("Sync", status.String())
				warned++
			} else {
				printPass("Sync", cfg.Sync.BaseURL)
				passed++
			}

			fmt.Printf("\n%d passed, %d failed, %d warnings\n", passed, failed, warned)
			if failed == 0 {
				fmt.Printf("\nAll checks passed! execguard is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkEventLog(cfg *config.Config) error {
	t, err := domain.ParseEventLogType(cfg.Events.LogType)
	if err != nil {
		return err
	}
	if _, err := domain.ParseBundleEventAction(cfg.Events.BundleAction); err != nil {
		return err
	}
	switch t {
	case domain.EventLogTypeProtobuf:
		return fmt.Errorf("%s is not supported", t)
	case domain.EventLogTypeFilelog:
		if cfg.Events.LogFile == "" {
			return fmt.Errorf("filelog requires events.logFile")
		}
		return checkDirWritable(filepath.Dir(cfg.Events.LogFile))
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
