package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [task-id]",
	Short: "Run a dispatch round, or dispatch a single task",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDispatch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show instance and task counts for a project",
	RunE:  runStats,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent decision records",
	RunE:  runAudit,
}

var auditLimit int

func init() {
	dispatchCmd.Flags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")
	statsCmd.Flags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "Number of records to show")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		resp, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/dispatch", nil)
		var apiErr *APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == 409) {
			return err
		}
		var res orchestrator.DispatchResult
		if err := json.Unmarshal(resp, &res); err != nil {
			return err
		}
		if res.Assignment != nil {
			fmt.Printf("Dispatched %s to %s on %s\n", res.Assignment.TaskID, res.Assignment.InstanceID, res.Assignment.MachineID)
			return nil
		}
		fmt.Printf("Not dispatched: %s\n", res.Outcome)
		return nil
	}

	resp, err := apiPost("/projects/"+url.PathEscape(projectID)+"/dispatch", nil)
	if err != nil {
		return err
	}
	var assigned []orchestrator.Assignment
	if err := json.Unmarshal(resp, &assigned); err != nil {
		return err
	}
	if len(assigned) == 0 {
		fmt.Println("Nothing dispatched")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTITLE\tINSTANCE\tMACHINE")
	for _, a := range assigned {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.TaskID, truncate(a.Title, 40), a.InstanceID, a.MachineID)
	}
	w.Flush()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/projects/" + url.PathEscape(projectID) + "/stats")
	if err != nil {
		return err
	}
	var st orchestrator.Stats
	if err := json.Unmarshal(resp, &st); err != nil {
		return err
	}
	fmt.Println(renderStats(&st))

	// The scheduler panel is best effort; an older daemon may not expose it.
	if resp, err := apiGet("/scheduler"); err == nil {
		var sch scheduler.Stats
		if json.Unmarshal(resp, &sch) == nil {
			line := fmt.Sprintf("scheduler: %d round(s), %d dispatched, %d reaped, %d purged",
				sch.Rounds, sch.Dispatched, sch.Reaped, sch.Purged)
			if sch.LastError != "" {
				line += ", last error: " + sch.LastError
			}
			fmt.Println(helpStyle.Render(line))
		}
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/audit?limit=" + strconv.Itoa(auditLimit))
	if err != nil {
		return err
	}
	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tTASK\tOUTCOME")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05"), e.Action, e.TaskID, e.Outcome)
	}
	w.Flush()
	return nil
}
