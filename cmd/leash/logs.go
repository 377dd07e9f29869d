package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash/audit"
)

var (
	logsLast int
	logsJSON bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [session-id]",
	Short: "Show a session's audit trail",
	Long: `Print the audit records of one session, or of every session when no id
is given. Records appear in the order they happened.

Examples:
  leash logs
  leash logs 20260829_142301_a3f1
  leash logs --last 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVar(&logsLast, "last", 0, "Only the last N records")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Emit raw JSON records")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}

	var recs []audit.ActionRecord
	if len(args) == 1 {
		recs, err = runner.Logs(args[0], logsLast)
	} else {
		recs, err = runner.AllLogs(logsLast)
	}
	if err != nil {
		return err
	}

	if logsJSON {
		for _, rec := range recs {
			line, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			fmt.Println(string(line))
		}
		return nil
	}

	for _, rec := range recs {
		fmt.Printf("%s  %-8s  %-16s  %s\n",
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.Severity, rec.Type, formatDetails(rec.Details))
	}
	if len(recs) == 0 {
		fmt.Println("no records")
	}
	return nil
}

// formatDetails renders a details map as stable key=value pairs.
func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+details[k])
	}
	return strings.Join(parts, " ")
}
