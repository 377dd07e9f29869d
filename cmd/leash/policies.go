package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var policiesShowPatterns bool

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List configured policies",
	Long: `List the policies defined in the policies file, with their network and
file-write settings.

Examples:
  leash policies
  leash policies --patterns`,
	Args: cobra.NoArgs,
	RunE: runPolicies,
}

func init() {
	policiesCmd.Flags().BoolVar(&policiesShowPatterns, "patterns", false, "Also print each policy's block patterns")
	rootCmd.AddCommand(policiesCmd)
}

func runPolicies(cmd *cobra.Command, args []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}
	policies, err := runner.Policies()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := policies[name]
		network := "denied"
		if p.AllowNetwork {
			network = "allowed"
		}
		writes := "unlimited"
		if p.MaxFileWrites > 0 {
			writes = fmt.Sprintf("%d", p.MaxFileWrites)
		}
		fmt.Printf("%s: %d block patterns, network %s, file writes %s\n",
			name, len(p.BlockPatterns()), network, writes)
		if policiesShowPatterns {
			for _, pat := range p.BlockPatterns() {
				fmt.Printf("  %s\n", pat)
			}
		}
	}
	return nil
}
