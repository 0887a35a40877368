package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/store"
	"github.com/spf13/cobra"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"inst"},
	Short:   "Manage worker instances",
}

var instanceRegisterCmd = &cobra.Command{
	Use:   "register [instance-id]",
	Short: "Register a worker instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceRegister,
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE:  runInstanceList,
}

var instanceHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [instance-id]",
	Short: "Report activity and context usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceHeartbeat,
}

var instanceDisconnectCmd = &cobra.Command{
	Use:   "disconnect [instance-id]",
	Short: "Disconnect an instance, releasing its tasks and locks",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceDisconnect,
}

var instanceClaimNextCmd = &cobra.Command{
	Use:   "claim-next [instance-id]",
	Short: "Claim the next available task for an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceClaimNext,
}

var (
	machineID     string
	sessionID     string
	maxTokens     int
	contextTokens int
	showAll       bool
)

func init() {
	instanceCmd.AddCommand(instanceRegisterCmd, instanceListCmd, instanceHeartbeatCmd,
		instanceDisconnectCmd, instanceClaimNextCmd)

	hostname, _ := os.Hostname()
	instanceRegisterCmd.Flags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")
	instanceRegisterCmd.Flags().StringVar(&machineID, "machine", hostname, "Machine the instance runs on")
	instanceRegisterCmd.Flags().StringVar(&sessionID, "session", "", "Session ID")
	instanceRegisterCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Context token budget (daemon default when 0)")

	instanceListCmd.Flags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")
	instanceListCmd.Flags().BoolVar(&showAll, "all", false, "Include disconnected instances")

	instanceHeartbeatCmd.Flags().IntVar(&contextTokens, "tokens", -1, "Context tokens used (unchanged when negative)")
}

func runInstanceRegister(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/instances", map[string]any{
		"id":                 args[0],
		"project_id":         projectID,
		"machine_id":         machineID,
		"session_id":         sessionID,
		"max_context_tokens": maxTokens,
	})
	if err != nil {
		return err
	}
	var inst models.Instance
	if err := json.Unmarshal(resp, &inst); err != nil {
		return err
	}
	fmt.Printf("Registered %s on %s (%s)\n", inst.ID, inst.MachineID, inst.Status)
	return nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	path := "/projects/" + url.PathEscape(projectID) + "/instances"
	if showAll {
		path += "?all=true"
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var list []models.Instance
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No instances found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMACHINE\tSTATUS\tCONTEXT\tDONE\tCURRENT TASK\tLAST SEEN")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%d\t%s\t%s\n",
			inst.ID, inst.MachineID, inst.Status, inst.ContextUsagePercent(0),
			inst.TasksCompleted, inst.CurrentTaskID, inst.LastActivityAt.Format("15:04:05"))
	}
	w.Flush()
	return nil
}

func runInstanceHeartbeat(cmd *cobra.Command, args []string) error {
	body := map[string]any{}
	if contextTokens >= 0 {
		body["context_tokens"] = contextTokens
	}
	resp, err := apiPost("/instances/"+url.PathEscape(args[0])+"/heartbeat", body)
	if err != nil {
		return err
	}
	var inst models.Instance
	if err := json.Unmarshal(resp, &inst); err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d tokens used\n", inst.ID, inst.Status, inst.ContextTokensUsed)
	return nil
}

func runInstanceDisconnect(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/instances/"+url.PathEscape(args[0])+"/disconnect", nil)
	if err != nil {
		return err
	}
	var res struct {
		Disconnect   registry.DisconnectResult `json:"disconnect"`
		Redispatched []orchestrator.Assignment `json:"redispatched"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}

	fmt.Printf("Disconnected %s: released %d task(s) and %d lock(s)\n",
		args[0], len(res.Disconnect.ReleasedTasks), len(res.Disconnect.ReleasedLocks))
	for _, a := range res.Redispatched {
		fmt.Printf("  %s -> %s\n", a.TaskID, a.InstanceID)
	}
	for _, e := range res.Disconnect.Errors {
		fmt.Fprintf(os.Stderr, "  warning: %s\n", e)
	}
	return nil
}

func runInstanceClaimNext(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/instances/"+url.PathEscape(args[0])+"/claim-next", nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == 409) {
		return err
	}
	var res store.ClaimResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	printClaim(&res)
	return nil
}
