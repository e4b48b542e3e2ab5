package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/envoyai/agentcore/internal/api"
	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/docparse"
	"github.com/envoyai/agentcore/internal/handoff"
	"github.com/envoyai/agentcore/internal/ledger"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a document to an agent",
	Long: `Submit a document to an agent.

Examples:
  agentcore submit --type triage --text "Your account XX1234 was debited Rs. 1,500"
  agentcore submit --type statement --file ./march.pdf --source stmt-2025-03 --wait
  agentcore submit --type triage --file ./mail.html --source msg-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType, _ := cmd.Flags().GetString("type")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")
		wait, _ := cmd.Flags().GetBool("wait")

		if taskType == "" {
			return fmt.Errorf("--type is required")
		}
		if (text == "") == (file == "") {
			return fmt.Errorf("exactly one of --text or --file is required")
		}

		req := api.SubmitTaskRequest{TaskType: taskType, SourceRef: source, Content: text, Wait: wait}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req.ContentType, req.Content = fileContent(file, data)
			if req.SourceRef == "" {
				req.SourceRef = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks", req)
		if err != nil {
			return err
		}

		if wait {
			var res handoff.FlowResult
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			printFlowResult(res)
			return nil
		}
		var view api.TaskView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Queued task %s (flow %s)", view.ID, view.FlowID)
		return nil
	},
}

// fileContent picks the content type from the file extension. PDFs are
// sent base64 encoded.
func fileContent(path string, data []byte) (contentType, content string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return docparse.TypePDF, base64.StdEncoding.EncodeToString(data)
	case ".html", ".htm":
		return docparse.TypeHTML, string(data)
	}
	return docparse.TypeText, string(data)
}

func printFlowResult(res handoff.FlowResult) {
	fmt.Printf("%s %s\n", colorize(colorBold, "Flow"), res.FlowID)
	for i, s := range res.Steps {
		fmt.Printf("  %d. %-10s %s  %s\n", i+1, s.TaskType, colorize(statusColor(s.Status), s.Status), s.TaskID)
		if s.Error != "" {
			fmt.Printf("     %s\n", s.Error)
		}
		for _, k := range sortedKeys(s.Output) {
			fmt.Printf("     %s: %v\n", k, s.Output[k])
		}
	}
}

func init() {
	submitCmd.Flags().String("type", "", "task type (triage, finance, statement)")
	submitCmd.Flags().String("text", "", "plain text content")
	submitCmd.Flags().String("file", "", "file to submit (.pdf, .html or text)")
	submitCmd.Flags().String("source", "", "stable source reference of the document")
	submitCmd.Flags().Bool("wait", false, "run the task and its handoffs before returning")
}

// --- correct ---

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Record a correction of one output field",
	Long: `Record a correction of one output field.

Example:
  agentcore correct --type triage --source msg-42 --field category --new Finance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req api.CorrectionRequest
		req.TaskType, _ = cmd.Flags().GetString("type")
		req.SourceRef, _ = cmd.Flags().GetString("source")
		req.FieldName, _ = cmd.Flags().GetString("field")
		req.NewValue, _ = cmd.Flags().GetString("new")
		req.OldValue, _ = cmd.Flags().GetString("old")
		if req.TaskType == "" || req.SourceRef == "" || req.FieldName == "" {
			return fmt.Errorf("--type, --source and --field are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/corrections", req)
		if err != nil {
			return err
		}
		var res struct {
			RecordID string `json:"record_id"`
			Queued   bool   `json:"queued"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Queued {
			printWarning("Correction queued, the server will retry storing it")
			return nil
		}
		printSuccess("Stored correction %s", res.RecordID)
		return nil
	},
}

func init() {
	correctCmd.Flags().String("type", "", "task type of the corrected output")
	correctCmd.Flags().String("source", "", "source reference of the document")
	correctCmd.Flags().String("field", "", "output field to correct")
	correctCmd.Flags().String("new", "", "corrected value")
	correctCmd.Flags().String("old", "", "previous value (default: taken from the latest output)")
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect or cancel tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view api.TaskView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return writeIndented(os.Stdout, view)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Cancelled task %s", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent provider attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentName, _ := cmd.Flags().GetString("agent")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if agentName != "" {
			q.Set("agent", agentName)
		}
		resp, err := client.get(cmd.Context(), "/runs?"+q.Encode())
		if err != nil {
			return err
		}
		var runs []ledger.Entry
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %-10s %-8s %s/%s #%d %dms\n",
				colorize(colorCyan, shortID(r.RunID)),
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.AgentName,
				colorize(statusColor(r.Status), r.Status),
				r.Provider, r.ModelUsed, r.Attempt,
				r.DurationMS,
			)
			if r.ErrorMessage != "" {
				fmt.Printf("    %s\n", r.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().String("agent", "", "only runs of this agent")
	runsCmd.Flags().Int("limit", 20, "maximum number of runs")
}

// --- flows ---

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List recent handoff chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/flows?limit=%d", limit))
		if err != nil {
			return err
		}
		var flows []ledger.Flow
		if err := decodeJSON(resp, &flows); err != nil {
			return err
		}
		if len(flows) == 0 {
			fmt.Println("No flows found.")
			return nil
		}
		for _, f := range flows {
			fmt.Printf("%s  %s  %-8s %s\n",
				colorize(colorCyan, shortID(f.FlowID)),
				f.StartedAt.Local().Format("2006-01-02 15:04:05"),
				colorize(statusColor(f.OverallStatus), f.OverallStatus),
				strings.Join(f.Agents, " → "),
			)
		}
		return nil
	},
}

var flowCmd = &cobra.Command{
	Use:   "flow <id>",
	Short: "Show one handoff chain as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/flows/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var flow ledger.Flow
		if err := decodeJSON(resp, &flow); err != nil {
			return err
		}
		return writeIndented(os.Stdout, flow)
	},
}

func init() {
	flowsCmd.Flags().Int("limit", 20, "maximum number of flows")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/stats?days=%d", days))
		if err != nil {
			return err
		}
		var st ledger.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Window", "%d days", st.Days)
		printStatus("Flows", "%d", st.TotalFlows)
		printStatus("Executions", "%d (%d ok, %d failed)", st.TotalExecutions, st.Successful, st.Failed)
		printStatus("Success rate", "%.1f%%", st.SuccessRate*100)
		printStatus("Avg duration", "%.0fms", st.AvgDurationMS)
		for _, a := range st.ByAgent {
			fmt.Printf("    %-10s %4d runs  %4d ok  %4d failed  %6.0fms\n",
				a.AgentName, a.Executions, a.Successful, a.Failed, a.AvgDurationMS)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("days", 7, "window in days")
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show model bindings and handoff routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/agents")
		if err != nil {
			return err
		}
		var view api.AgentsView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		for _, b := range view.Bindings {
			chain := make([]string, 0, 1+len(b.Fallbacks))
			for _, t := range b.Chain() {
				chain = append(chain, t.Provider+"/"+t.Model)
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, fmt.Sprintf("%-10s", b.TaskType)), strings.Join(chain, " → "))
		}
		for _, r := range view.Routes {
			fmt.Printf("route %s → %s when %s\n", r.From, r.To, describePredicate(r.When))
		}
		return nil
	},
}

func describePredicate(p config.Predicate) string {
	switch {
	case p.Exists != nil && *p.Exists:
		return p.Field + " is set"
	case p.Exists != nil:
		return p.Field + " is unset"
	case len(p.In) > 0:
		return fmt.Sprintf("%s in %v", p.Field, p.In)
	}
	return fmt.Sprintf("%s = %v", p.Field, p.Equals)
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant data",
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete every record of the --tenant tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if tenantFlag == "" {
			return fmt.Errorf("--tenant is required")
		}
		if !confirm {
			printWarning("This deletes ALL data of tenant %s. Use --confirm to proceed.", tenantFlag)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/tenant")
		if err != nil {
			return err
		}
		var res struct {
			Deleted map[string]int64 `json:"deleted"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		for _, table := range sortedKeys(res.Deleted) {
			printStatus(table, "%d", res.Deleted[table])
		}
		printSuccess("Tenant %s deleted", tenantFlag)
		return nil
	},
}

func init() {
	tenantDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	tenantCmd.AddCommand(tenantDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
