package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"execguard/internal/config"
	"execguard/internal/server"
	"execguard/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	archiveDBName     = "rules.db"
	archiveConfigName = "config.json"
	archiveRulesDir   = "rules.d"
)

// backupEntry maps a file on disk to its name inside the archive.
type backupEntry struct {
	Source string
	Name   string
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the rules database, config and rule files",
		Long: `Creates a compressed .tar.gz archive containing a consistent snapshot of the
rules database, the config file and the YAML rule files. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("execguard-backup-%s.tar.gz", ts))
			}

			staging, err := os.MkdirTemp("", "execguard-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(staging)

			var entries []backupEntry
			if _, err := os.Stat(cfg.Rules.DBPath); err == nil {
				snapshot := filepath.Join(staging, archiveDBName)
				if err := snapshotDatabase(cmd.Context(), cfg.Rules.DBPath, snapshot); err != nil {
					return fmt.Errorf("snapshot database: %w", err)
				}
				entries = append(entries, backupEntry{Source: snapshot, Name: archiveDBName})
			}
			if _, err := os.Stat(cfgPath); err == nil {
				entries = append(entries, backupEntry{Source: cfgPath, Name: archiveConfigName})
			}
			ruleFiles, _ := filepath.Glob(filepath.Join(cfg.Rules.ImportDir, "*.y*ml"))
			for _, f := range ruleFiles {
				entries = append(entries, backupEntry{Source: f, Name: path.Join(archiveRulesDir, filepath.Base(f))})
			}

			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", cfg.Rules.DBPath, cfgPath)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				var size uint64
				if info, err := os.Stat(e.Source); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", e.Name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.execguard/backups/execguard-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the rules database, config and rule files from a backup",
		Long: `Restores the files written by 'execguard backup'. A running server must be
stopped first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: execguard restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if pid, ok := server.Running(cfg.Server.PIDFile); ok {
				return fmt.Errorf("server is running (PID %d), stop it first", pid)
			}

			if !force {
				existing := false
				for _, p := range []string{cfg.Rules.DBPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", cfg.Rules.DBPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, restoreTargets{
				DBPath:     cfg.Rules.DBPath,
				ConfigPath: cfgPath,
				RulesDir:   cfg.Rules.ImportDir,
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// snapshotDatabase writes a consistent copy of the SQLite database at src to
// dst, WAL contents included.
func snapshotDatabase(ctx context.Context, src, dst string) error {
	db, err := storage.NewSQLiteStore(src, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.DB().ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []backupEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.Source, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, e backupEntry) error {
	file, err := os.Open(e.Source)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	DBPath     string
	ConfigPath string
	RulesDir   string
}

// target maps an archive entry name to its restore location. Names outside
// the backup layout are rejected.
func (t restoreTargets) target(name string) (string, error) {
	clean := path.Clean(name)
	switch {
	case clean == archiveDBName:
		return t.DBPath, nil
	case clean == archiveConfigName:
		return t.ConfigPath, nil
	case path.Dir(clean) == archiveRulesDir && !strings.HasPrefix(path.Base(clean), "."):
		if t.RulesDir == "" {
			return "", errors.New("no rules directory configured")
		}
		return filepath.Join(t.RulesDir, path.Base(clean)), nil
	}
	return "", fmt.Errorf("unexpected archive entry %q", name)
}

// extractTarGz restores every entry of a backup archive.
func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, err := targets.target(header.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		// A restored database replaces any WAL left by the old one.
		if targetPath == targets.DBPath {
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(targetPath + suffix)
			}
		}
		restored = append(restored, targetPath)
	}

	return restored, nil
}
