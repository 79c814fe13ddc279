package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/rules"
	"execguard/internal/storage"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	os.Exit(m.Run())
}

func TestWizard_SavesAnswers(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	logFile := filepath.Join(t.TempDir(), "events.log")
	answers := strings.Join([]string{
		"2",     // lockdown
		"hold",  // hold policy by name
		"2",     // filelog
		logFile, // event log file
		"y",     // transitive
		"",      // metrics: keep default (n)
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := runWizard(strings.NewReader(answers), &out, cfgPath); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.Mode != "lockdown" {
		t.Errorf("mode = %q", cfg.Policy.Mode)
	}
	if cfg.Policy.HoldPolicy != "hold" {
		t.Errorf("hold policy = %q", cfg.Policy.HoldPolicy)
	}
	if cfg.Events.LogType != "filelog" || cfg.Events.LogFile != logFile {
		t.Errorf("events = %s %s", cfg.Events.LogType, cfg.Events.LogFile)
	}
	if !cfg.Policy.TransitiveRules {
		t.Error("transitive rules should be enabled")
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should keep the default")
	}
}

func TestWizard_DefaultsOnEmptyInput(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	var out bytes.Buffer
	if err := runWizard(strings.NewReader("\n\n\n\n\n"), &out, cfgPath); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.Mode != "monitor" || cfg.Events.LogType != "syslog" {
		t.Errorf("defaults not kept: %s %s", cfg.Policy.Mode, cfg.Events.LogType)
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "rules.db")
	db, err := storage.NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	rule := domain.Rule{Type: domain.RuleTypeTeamID, State: domain.RuleStateBlock, Identifier: "EQHXZ8M8AV"}
	if err := db.SaveRules(context.Background(), []domain.Rule{rule}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	cfgPath := filepath.Join(src, "config.json")
	if err := config.Save(cfgPath, config.Defaults()); err != nil {
		t.Fatal(err)
	}
	ruleFile := filepath.Join(src, "base.yaml")
	if err := os.WriteFile(ruleFile, []byte("rules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	snapshot := filepath.Join(t.TempDir(), archiveDBName)
	if err := snapshotDatabase(context.Background(), dbPath, snapshot); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	err = createTarGz(archive, []backupEntry{
		{Source: snapshot, Name: archiveDBName},
		{Source: cfgPath, Name: archiveConfigName},
		{Source: ruleFile, Name: archiveRulesDir + "/base.yaml"},
	})
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	dst := t.TempDir()
	targets := restoreTargets{
		DBPath:     filepath.Join(dst, "data", "rules.db"),
		ConfigPath: filepath.Join(dst, "config.json"),
		RulesDir:   filepath.Join(dst, "rules.d"),
	}
	restored, err := extractTarGz(archive, targets)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("restored %v", restored)
	}

	again, err := storage.NewSQLiteStore(targets.DBPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	store := rules.NewStore(again, logger)
	if err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Lookup(domain.RuleTypeTeamID, "EQHXZ8M8AV"); err != nil {
		t.Errorf("restored rule missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(targets.RulesDir, "base.yaml")); err != nil {
		t.Errorf("rule file not restored: %v", err)
	}
}

func TestRestoreTargets_RejectsUnknownEntries(t *testing.T) {
	targets := restoreTargets{DBPath: "/x/rules.db", ConfigPath: "/x/config.json", RulesDir: "/x/rules.d"}
	for _, name := range []string{"../etc/passwd", "rules.d/../../evil", "other.db", "rules.d/.hidden"} {
		if _, err := targets.target(name); err == nil {
			t.Errorf("%q should be rejected", name)
		}
	}
	got, err := targets.target("./rules.db")
	if err != nil || got != "/x/rules.db" {
		t.Errorf("target(./rules.db) = %q, %v", got, err)
	}
}

func TestRenderServiceFile(t *testing.T) {
	unit := renderServiceFile(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/execguard",
		"CONFIG": "/etc/execguard.json",
	})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/execguard serve --config /etc/execguard.json") {
		t.Errorf("unexpected unit:\n%s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Error("unsubstituted placeholder left")
	}
}

func TestRuleFromArgs(t *testing.T) {
	r, err := ruleFromArgs("teamid", "block", "eqhxz8m8av")
	if err != nil {
		t.Fatal(err)
	}
	if r.Identifier != "EQHXZ8M8AV" || r.State != domain.RuleStateBlock {
		t.Errorf("rule = %+v", r)
	}
	if _, err := ruleFromArgs("teamid", "remove", "EQHXZ8M8AV"); err == nil {
		t.Error("remove state should point at 'rule remove'")
	}
	if _, err := ruleFromArgs("path", "allow", "/bin/ls"); err == nil {
		t.Error("unknown type should fail")
	}
}
