package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"execguard/internal/domain"
	"execguard/internal/rules"
	"execguard/internal/server"

	"github.com/spf13/cobra"
)

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rule",
		Aliases: []string{"rules"},
		Short:   "Manage execution rules",
		Long:    "Add, remove, list, import and export rules in the rules database. A running server is told to reload after every change.",
	}
	cmd.AddCommand(ruleAddCmd(), ruleRemoveCmd(), ruleListCmd(), ruleImportCmd(), ruleExportCmd(), ruleCleanupCmd())
	return cmd
}

// withRules opens the rules store, runs fn and asks a running server to
// reload when fn changed anything.
func withRules(cmd *cobra.Command, changes bool, fn func(store *rules.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, store, err := openRules(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(store); err != nil {
		return err
	}
	if changes {
		signalReload(cfg)
	}
	return nil
}

func ruleAddCmd() *cobra.Command {
	var message, expr string
	cmd := &cobra.Command{
		Use:   "add <type> <state> <identifier>",
		Short: "Add or replace a rule",
		Example: `  execguard rule add teamid block EQHXZ8M8AV --message "not approved"
  execguard rule add binary allow 5f2b...e1
  execguard rule add signingid cel EQHXZ8M8AV:com.example.tool --cel "args.size() < 3"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ruleFromArgs(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			r.CustomMsg = message
			r.CELExpr = expr
			if err := r.Validate(); err != nil {
				return err
			}
			return withRules(cmd, true, func(store *rules.Store) error {
				if err := store.Upsert(cmd.Context(), r); err != nil {
					return err
				}
				fmt.Printf("rule saved: %s %s %s\n", r.Type, r.State, r.Identifier)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message shown when the rule blocks")
	cmd.Flags().StringVar(&expr, "cel", "", "CEL expression for state cel")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <type> <identifier>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseRuleType(args[0])
			if err != nil {
				return err
			}
			id := domain.NormalizeIdentifier(t, args[1])
			return withRules(cmd, true, func(store *rules.Store) error {
				if _, err := store.Lookup(t, id); err != nil {
					return fmt.Errorf("%s rule %s: %w", t, id, err)
				}
				if err := store.Remove(cmd.Context(), t, id); err != nil {
					return err
				}
				fmt.Printf("rule removed: %s %s\n", t, id)
				return nil
			})
		},
	}
}

func ruleListCmd() *cobra.Command {
	var typeName, stateName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in precedence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f rules.Filter
			if typeName != "" {
				t, err := domain.ParseRuleType(typeName)
				if err != nil {
					return err
				}
				f.Type = t
			}
			if stateName != "" {
				s, err := domain.ParseRuleState(stateName)
				if err != nil {
					return err
				}
				f.State = s
			}
			return withRules(cmd, false, func(store *rules.Store) error {
				list := store.List(f)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tSTATE\tIDENTIFIER\tMESSAGE")
				for _, r := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.State, r.Identifier, r.CustomMsg)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("\n%d rules\n", len(list))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "only rules of this type")
	cmd.Flags().StringVarP(&stateName, "state", "s", "", "only rules in this state")
	return cmd
}

func ruleImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Import YAML rule files into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var batch []domain.Rule
			for _, path := range args {
				parsed, err := rules.LoadFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				batch = append(batch, parsed...)
			}
			return withRules(cmd, true, func(store *rules.Store) error {
				if err := store.Apply(cmd.Context(), batch); err != nil {
					return err
				}
				fmt.Printf("imported %d rules from %d files\n", len(batch), len(args))
				return nil
			})
		},
	}
}

func ruleExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every rule as a YAML rule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, false, func(store *rules.Store) error {
				data, err := rules.Marshal(store.List(rules.Filter{}))
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func ruleCleanupCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove rules ahead of a clean sync",
		Long:  "Removes every rule (--mode all) or every rule except transitive allows (--mode non_transitive).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := domain.ParseRuleCleanup(mode)
			if err != nil {
				return err
			}
			return withRules(cmd, cleanup != domain.RuleCleanupNone, func(store *rules.Store) error {
				n, err := store.Cleanup(cmd.Context(), cleanup)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d rules (%s)\n", n, cleanup)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "non_transitive", "cleanup mode: none, all, non_transitive")
	return cmd
}

func ruleFromArgs(typeName, stateName, identifier string) (domain.Rule, error) {
	t, err := domain.ParseRuleType(typeName)
	if err != nil {
		return domain.Rule{}, err
	}
	s, err := domain.ParseRuleState(stateName)
	if err != nil {
		return domain.Rule{}, err
	}
	if s == domain.RuleStateRemove {
		return domain.Rule{}, fmt.Errorf("use 'execguard rule remove %s %s'", strings.ToLower(typeName), identifier)
	}
	return domain.Rule{Type: t, State: s, Identifier: domain.NormalizeIdentifier(t, identifier)}, nil
}

func provenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Report compiler output to a running server",
		Long:  "Records files written by allowed compilers and resolves them. Requires a running server with transitive rules enabled.",
	}
	for _, op := range []struct{ name, short string }{
		{server.ProvenanceWrite, "Record a file written by a compiler"},
		{server.ProvenanceConfirm, "Confirm a recorded file"},
		{server.ProvenanceReject, "Reject a recorded file"},
	} {
		var compiler string
		sub := &cobra.Command{
			Use:   op.name + " <sha256>",
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				update := server.ProvenanceUpdate{Op: cmd.Name(), SHA256: args[0], Compiler: compiler}
				if err := server.NewClient(cfg.Server.Socket).Provenance(cmd.Context(), update); err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", cmd.Name(), args[0])
				return nil
			},
		}
		if op.name == server.ProvenanceWrite {
			sub.Flags().StringVar(&compiler, "compiler", "", "path of the compiler that wrote the file")
		}
		cmd.AddCommand(sub)
	}
	return cmd
}
