package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"execguard/internal/config"

	"github.com/spf13/cobra"
)

type option struct {
	Value string
	Desc  string
}

var (
	modeOptions = []option{
		{"monitor", "allow unknown binaries, enforce block rules"},
		{"lockdown", "block everything not explicitly allowed"},
		{"standalone", "lockdown, with local allow rules"},
	}
	holdOptions = []option{
		{"poll", "concurrent requests wait for the first evaluation"},
		{"hold", "concurrent requests are answered later with a follow-up"},
	}
	logOptions = []option{
		{"syslog", "text lines on stderr"},
		{"filelog", "text lines in a file"},
		{"json", "JSON lines on stdout"},
		{"null", "no event log (denials are still stored)"},
	}
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: mode → hold policy → event log → save config",
		Long:  "Guides you through the client mode, the hold policy for concurrent requests, the event log sink and transitive rules. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

// prompter reads answers line by line, falling back to a default on empty
// input.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, def string) (string, error) {
	fmt.Fprint(p.out, question)
	if def != "" {
		fmt.Fprintf(p.out, " [%s]: ", def)
	} else {
		fmt.Fprint(p.out, ": ")
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF && def != "" {
			return def, nil
		}
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

// choose lists opts and returns the picked value. Answers may be a number or
// the value itself; anything else keeps the current value.
func (p *prompter) choose(title string, opts []option, current string) (string, error) {
	fmt.Fprintf(p.out, "\n--- %s ---\n", title)
	def := "1"
	for i, o := range opts {
		fmt.Fprintf(p.out, "  %d) %-11s %s\n", i+1, o.Value, o.Desc)
		if o.Value == current {
			def = strconv.Itoa(i + 1)
		}
	}
	answer, err := p.ask(fmt.Sprintf("Choose (1-%d)", len(opts)), def)
	if err != nil {
		return "", err
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(opts) {
		return opts[n-1].Value, nil
	}
	for _, o := range opts {
		if strings.EqualFold(o.Value, answer) {
			return o.Value, nil
		}
	}
	n, _ := strconv.Atoi(def)
	return opts[n-1].Value, nil
}

func (p *prompter) confirm(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	answer, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(answer), "y"), nil
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	p := &prompter{in: bufio.NewReader(in), out: out}

	if cfg.Policy.Mode, err = p.choose("Step 1: Client mode", modeOptions, cfg.Policy.Mode); err != nil {
		return err
	}
	if cfg.Policy.HoldPolicy, err = p.choose("Step 2: Hold policy", holdOptions, cfg.Policy.HoldPolicy); err != nil {
		return err
	}

	if cfg.Events.LogType, err = p.choose("Step 3: Event log", logOptions, cfg.Events.LogType); err != nil {
		return err
	}
	if cfg.Events.LogType == "filelog" {
		def := cfg.Events.LogFile
		if def == "" {
			def = filepath.Join(config.DefaultConfigDir(), "logs", "events.log")
		}
		file, err := p.ask("Event log file", def)
		if err != nil {
			return err
		}
		cfg.Events.LogFile = config.ExpandPath(file)
	}

	fmt.Fprintln(out, "\n--- Step 4: Options ---")
	if cfg.Policy.TransitiveRules, err = p.confirm("Allow binaries built by allowed compilers", cfg.Policy.TransitiveRules); err != nil {
		return err
	}
	if cfg.Metrics.Enabled, err = p.confirm("Serve Prometheus metrics on "+cfg.Metrics.Listen, cfg.Metrics.Enabled); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'execguard serve', or 'execguard install' to run it on login.")
	return nil
}
