package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state directory",
	Long: `Create the state directory layout and write the default policies file.
An existing policies file is left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root := stateRoot()
	if err := leash.Init(root); err != nil {
		return err
	}
	fmt.Printf("initialized %s\n", root)
	fmt.Println("policies: default, paranoid (edit policies.yaml to customize)")
	return nil
}
