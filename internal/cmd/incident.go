package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/incident"
)

var (
	incidentActor    string
	incidentRoles    string
	incidentOutput   string
	incidentID       string
	incidentDesc     string
	incidentSeverity string
	incidentServices []string
	incidentSources  []string
	incidentNote     string
	listState        string
	listSeverity     string
	listLimit        int
)

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Incident lifecycle management",
	Long: `Create incidents and walk them through the lifecycle:
detecting, triaging, responding, recovering, resolved, post_mortem,
closed. Gated transitions require their gate completed first.`,
}

var incidentCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Open an incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentCreate,
}

var incidentTransitionCmd = &cobra.Command{
	Use:   "transition [id] [to-state]",
	Short: "Move an incident to a new state",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncidentTransition,
}

var incidentGateCmd = &cobra.Command{
	Use:   "complete-gate [id] [gate]",
	Short: "Mark a gate complete",
	Long: `Mark one of the lifecycle gates (detection, triage, response,
resolution) complete for an incident. Completing a gate twice keeps
the original completion record.`,
	Args: cobra.ExactArgs(2),
	RunE: runIncidentGate,
}

var incidentReassessCmd = &cobra.Command{
	Use:   "reassess [id] [severity]",
	Short: "Change an incident's severity",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncidentReassess,
}

var incidentAssignCmd = &cobra.Command{
	Use:   "assign [id] [assignee]",
	Short: "Assign an incident to someone",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncidentAssign,
}

var incidentShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an incident and its transition log",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentShow,
}

var incidentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List incidents, newest first",
	RunE:    runIncidentList,
}

func init() {
	rootCmd.AddCommand(incidentCmd)
	incidentCmd.AddCommand(incidentCreateCmd)
	incidentCmd.AddCommand(incidentTransitionCmd)
	incidentCmd.AddCommand(incidentGateCmd)
	incidentCmd.AddCommand(incidentReassessCmd)
	incidentCmd.AddCommand(incidentAssignCmd)
	incidentCmd.AddCommand(incidentShowCmd)
	incidentCmd.AddCommand(incidentListCmd)

	incidentCmd.PersistentFlags().StringVar(&incidentActor, "actor", "", "actor name (development mode only)")
	incidentCmd.PersistentFlags().StringVar(&incidentRoles, "roles", "", "comma-separated actor roles (development mode only)")
	incidentCmd.PersistentFlags().StringVarP(&incidentOutput, "output", "o", "table", "output format: table, json")

	incidentCreateCmd.Flags().StringVar(&incidentID, "id", "", "explicit incident ID (generated when omitted)")
	incidentCreateCmd.Flags().StringVarP(&incidentDesc, "description", "d", "", "incident description")
	incidentCreateCmd.Flags().StringVar(&incidentSeverity, "severity", "medium", "severity: info, low, medium, high, critical")
	incidentCreateCmd.Flags().StringSliceVar(&incidentServices, "services", nil, "affected services (repeatable)")
	incidentCreateCmd.Flags().StringSliceVar(&incidentSources, "source-event", nil, "source event IDs (repeatable)")

	incidentTransitionCmd.Flags().StringVarP(&incidentNote, "note", "n", "", "note recorded on the transition")

	incidentListCmd.Flags().StringVar(&listState, "state", "", "filter by state")
	incidentListCmd.Flags().StringVar(&listSeverity, "severity", "", "filter by severity")
	incidentListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum incidents to return")
}

func incidentClient() *apiClient {
	client := newAPIClient()
	client.actor = incidentActor
	client.roles = incidentRoles
	return client
}

func printIncident(inc *incident.Incident) error {
	if incidentOutput == "json" {
		return printJSON(inc)
	}

	fmt.Printf("%s  %s\n", inc.ID, inc.Title)
	fmt.Printf("  state:     %s\n", inc.State)
	fmt.Printf("  severity:  %s\n", inc.Severity.String())
	if inc.Assignee != "" {
		fmt.Printf("  assignee:  %s\n", inc.Assignee)
	}
	fmt.Printf("  created:   %s by %s\n", inc.CreatedAt.Format("2006-01-02 15:04:05"), inc.CreatedBy)
	if inc.ClosedAt != nil {
		fmt.Printf("  closed:    %s\n", inc.ClosedAt.Format("2006-01-02 15:04:05"))
	}
	if inc.Description != "" {
		fmt.Printf("  description: %s\n", inc.Description)
	}
	if len(inc.AffectedServices) > 0 {
		fmt.Printf("  affected services: %s\n", strings.Join(inc.AffectedServices, ", "))
	}
	if len(inc.SourceEventIDs) > 0 {
		fmt.Printf("  source events: %s\n", strings.Join(inc.SourceEventIDs, ", "))
	}

	if len(inc.CompletedGates) > 0 {
		fmt.Println("  gates:")
		for _, gc := range inc.CompletedGates {
			fmt.Printf("    %-10s completed by %s at %s\n",
				gc.Gate, gc.CompletedBy, gc.CompletedAt.Format("15:04:05"))
		}
	}

	fmt.Println("  transitions:")
	for _, tr := range inc.TransitionLog {
		from := string(tr.From)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("    %2d. %s -> %s  (%s, %s)",
			tr.Seq, from, tr.To, tr.Actor, tr.At.Format("2006-01-02 15:04:05"))
		if tr.Note != "" {
			line += "  " + tr.Note
		}
		fmt.Println(line)
	}
	return nil
}

func runIncidentCreate(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"title":    args[0],
		"severity": incidentSeverity,
	}
	if incidentID != "" {
		body["id"] = incidentID
	}
	if incidentDesc != "" {
		body["description"] = incidentDesc
	}
	if len(incidentServices) > 0 {
		body["affected_services"] = incidentServices
	}
	if len(incidentSources) > 0 {
		body["source_event_ids"] = incidentSources
	}

	var inc incident.Incident
	if err := incidentClient().post("/api/v1/incidents", body, &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentTransition(cmd *cobra.Command, args []string) error {
	id, to := args[0], args[1]
	body := map[string]string{"to": to}
	if incidentNote != "" {
		body["note"] = incidentNote
	}

	var inc incident.Incident
	if err := incidentClient().post("/api/v1/incidents/"+id+"/transition", body, &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentGate(cmd *cobra.Command, args []string) error {
	id, gate := args[0], args[1]

	var inc incident.Incident
	if err := incidentClient().post("/api/v1/incidents/"+id+"/gates", map[string]string{"gate": gate}, &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentReassess(cmd *cobra.Command, args []string) error {
	id, severity := args[0], args[1]

	var inc incident.Incident
	if err := incidentClient().post("/api/v1/incidents/"+id+"/severity", map[string]string{"severity": severity}, &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentAssign(cmd *cobra.Command, args []string) error {
	id, assignee := args[0], args[1]

	var inc incident.Incident
	if err := incidentClient().post("/api/v1/incidents/"+id+"/assign", map[string]string{"assignee": assignee}, &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentShow(cmd *cobra.Command, args []string) error {
	var inc incident.Incident
	if err := incidentClient().get("/api/v1/incidents/"+args[0], &inc); err != nil {
		return err
	}
	return printIncident(&inc)
}

func runIncidentList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if listState != "" {
		query.Set("state", listState)
	}
	if listSeverity != "" {
		query.Set("severity", listSeverity)
	}
	if listLimit > 0 {
		query.Set("limit", fmt.Sprintf("%d", listLimit))
	}

	path := "/api/v1/incidents"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		Incidents []*incident.Incident `json:"incidents"`
	}
	if err := incidentClient().get(path, &resp); err != nil {
		return err
	}

	if incidentOutput == "json" {
		return printJSON(resp.Incidents)
	}
	if len(resp.Incidents) == 0 {
		fmt.Println("no incidents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSEVERITY\tTITLE\tCREATED")
	for _, inc := range resp.Incidents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			inc.ID, inc.State, inc.Severity.String(), inc.Title,
			inc.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}
