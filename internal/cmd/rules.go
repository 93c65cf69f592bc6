package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/routing"
)

var (
	rulesFile   string
	rulesOutput string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Routing rule management",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routing rules in evaluation order",
	Long: `List the active routing rules. Rules are shown in evaluation order:
ascending priority, first match wins. With --file the rules are read
and validated locally instead of being fetched from the server.`,
	RunE: runRulesList,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd)

	rulesListCmd.Flags().StringVarP(&rulesFile, "file", "f", "", "read rules from a local file instead of the server")
	rulesListCmd.Flags().StringVarP(&rulesOutput, "output", "o", "table", "output format: table, json")
}

func runRulesList(cmd *cobra.Command, args []string) error {
	var (
		defaultTarget string
		rules         []*routing.Rule
	)

	if rulesFile != "" {
		registry, err := routing.LoadFile(rulesFile)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		defaultTarget = registry.DefaultTarget()
		rules = registry.List()
	} else {
		var resp struct {
			DefaultTarget string          `json:"default_target"`
			Rules         []*routing.Rule `json:"rules"`
		}
		if err := newAPIClient().get("/api/v1/rules", &resp); err != nil {
			return err
		}
		defaultTarget = resp.DefaultTarget
		rules = resp.Rules
	}

	if rulesOutput == "json" {
		return printJSON(map[string]interface{}{
			"default_target": defaultTarget,
			"rules":          rules,
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tNAME\tPATTERN\tSTRATEGY\tTARGETS")
	for _, rule := range rules {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			rule.Priority, rule.Name, rule.Pattern, rule.Strategy,
			strings.Join(rule.Targets, ","))
	}
	w.Flush()

	fmt.Printf("\ndefault target: %s\n", defaultTarget)
	return nil
}
