package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/spendguard/internal/services/budget"
)

// NewPolicyCommand creates the policy command.
func NewPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect budget policies",
	}

	var dir, env string
	var strict bool

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the budget policy for an environment",
		Long: `Load budgets.<environment>.yaml from the policy directory and report the
default limit, the number of entries per section and any ignored entries.
Exits non-zero when the document cannot be used; with --strict, also when
entries were ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := currentConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = c.Budget.PolicyDir
			}
			if env == "" {
				env = c.Budget.Environment
			}

			policy, err := budget.LoadPolicy(dir, env)
			if err != nil {
				return err
			}

			entries := policy.Entries()
			if outputJSON {
				OutputJSON(map[string]interface{}{
					"environment":     policy.Environment,
					"source":          policy.Source,
					"default_per_day": policy.DefaultPerDay(),
					"entries":         entries,
					"warnings":        policy.Warnings,
				})
			} else {
				fmt.Fprintf(out, "Policy: %s\n", policy.Source)
				fmt.Fprintf(out, "Environment: %s\n", policy.Environment)
				fmt.Fprintf(out, "Default per day: %d\n", policy.DefaultPerDay())

				sections := make([]string, 0, len(entries))
				for section := range entries {
					sections = append(sections, section)
				}
				sort.Strings(sections)
				rows := make([][]string, 0, len(sections))
				for _, section := range sections {
					rows = append(rows, []string{section, strconv.Itoa(entries[section])})
				}
				OutputTable([]string{"SECTION", "ENTRIES"}, rows)

				for _, w := range policy.Warnings {
					fmt.Fprintf(out, "ignored: %s\n", w)
				}
			}

			if strict && len(policy.Warnings) > 0 {
				return fmt.Errorf("%d policy entries ignored", len(policy.Warnings))
			}
			return nil
		},
	}

	check.Flags().StringVar(&dir, "dir", "", "Policy directory (default budget.policy_dir)")
	check.Flags().StringVar(&env, "env", "", "Environment (default budget.environment)")
	check.Flags().BoolVar(&strict, "strict", false, "Fail when any entry was ignored")

	cmd.AddCommand(check)
	return cmd
}
