package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next task that would be dispatched",
	RunE:  runTaskNext,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskClaim,
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release [task-id]",
	Short: "Return a task to the pending pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRelease,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskBlockCmd = &cobra.Command{
	Use:   "block [task-id]",
	Short: "Mark a task blocked",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskBlock,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	projectID     string
	taskTitle     string
	taskDesc      string
	taskPriority  string
	listPriority  string
	taskWave      int
	taskDeps      []string
	taskFiles     []string
	taskDispatch  bool
	taskStatus    string
	taskAssignee  string
	holderID      string
	taskReason    string
	taskSummary   string
	filesModified []string
)

func defaultProject() string {
	if p := os.Getenv("CONDUCTOR_PROJECT"); p != "" {
		return p
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Base(wd)
	}
	return "default"
}

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskNextCmd, taskClaimCmd,
		taskReleaseCmd, taskCompleteCmd, taskBlockCmd, taskDeleteCmd)

	for _, c := range []*cobra.Command{taskAddCmd, taskListCmd, taskNextCmd} {
		c.Flags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")
	}

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Priority (low, medium, high, critical)")
	taskAddCmd.Flags().IntVar(&taskWave, "wave", -1, "Wave number (unset when negative)")
	taskAddCmd.Flags().StringSliceVar(&taskDeps, "depends-on", nil, "IDs of tasks that must be done first")
	taskAddCmd.Flags().StringSliceVar(&taskFiles, "file", nil, "Files the task is expected to touch")
	taskAddCmd.Flags().BoolVar(&taskDispatch, "dispatch", false, "Assign to an idle instance right away")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, in_progress, blocked, review, done)")
	taskListCmd.Flags().StringVar(&taskAssignee, "assignee", "", "Filter by assigned instance")
	taskListCmd.Flags().StringVar(&listPriority, "priority", "", "Filter by priority")

	hostname, _ := os.Hostname()
	defaultHolder := fmt.Sprintf("cli@%s", hostname)
	taskClaimCmd.Flags().StringVar(&holderID, "instance", defaultHolder, "Instance ID claiming the task")

	taskReleaseCmd.Flags().StringVar(&taskReason, "reason", "", "Why the task is being released")
	taskBlockCmd.Flags().StringVar(&taskReason, "reason", "", "What the task is blocked by (required)")
	taskBlockCmd.MarkFlagRequired("reason")

	taskCompleteCmd.Flags().StringVar(&taskSummary, "summary", "", "Completion summary")
	taskCompleteCmd.Flags().StringSliceVar(&filesModified, "modified", nil, "Files modified by the task")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"title":        taskTitle,
		"description":  taskDesc,
		"priority":     taskPriority,
		"dependencies": taskDeps,
		"file_paths":   taskFiles,
		"dispatch":     taskDispatch,
		"created_by":   "cli",
	}
	if taskWave >= 0 {
		body["wave"] = taskWave
	}

	resp, err := apiPost("/projects/"+url.PathEscape(projectID)+"/tasks", body)
	if err != nil {
		return err
	}

	var result struct {
		Task     models.Task `json:"task"`
		Dispatch *struct {
			Outcome    string `json:"outcome"`
			Assignment *struct {
				InstanceID string `json:"instance_id"`
			} `json:"assignment"`
		} `json:"dispatch"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", result.Task.ID)
	if d := result.Dispatch; d != nil {
		if d.Assignment != nil {
			fmt.Printf("Dispatched to: %s\n", d.Assignment.InstanceID)
		} else {
			fmt.Printf("Not dispatched: %s\n", d.Outcome)
		}
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskAssignee != "" {
		q.Set("assignee", taskAssignee)
	}
	if listPriority != "" {
		q.Set("priority", listPriority)
	}
	path := "/projects/" + url.PathEscape(projectID) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var list []models.Task
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWAVE\tPRIORITY\tTITLE\tSTATUS\tASSIGNED TO")
	for _, t := range list {
		wave := "-"
		if t.Wave != nil {
			wave = strconv.Itoa(*t.Wave)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, wave, t.Priority, truncate(t.Title, 40), t.Status, t.AssignedTo)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	printTask(&task)
	return nil
}

func printTask(task *models.Task) {
	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Project:     %s\n", task.ProjectID)
	fmt.Printf("Title:       %s\n", task.Title)
	if task.Description != "" {
		fmt.Printf("Description: %s\n", task.Description)
	}
	fmt.Printf("Priority:    %s\n", task.Priority)
	fmt.Printf("Status:      %s\n", task.Status)
	if task.Wave != nil {
		fmt.Printf("Wave:        %d\n", *task.Wave)
	}
	if task.AssignedTo != "" {
		fmt.Printf("Assigned To: %s\n", task.AssignedTo)
	}
	if len(task.Dependencies) > 0 {
		fmt.Printf("Depends On:  %s\n", strings.Join(task.Dependencies, ", "))
	}
	if task.BlockedBy != "" {
		fmt.Printf("Blocked By:  %s\n", task.BlockedBy)
	}
	if task.CompletionSummary != "" {
		fmt.Printf("Summary:     %s\n", task.CompletionSummary)
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func runTaskNext(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/projects/" + url.PathEscape(projectID) + "/tasks/next")
	if err != nil {
		return err
	}
	var next struct {
		Task *models.Task `json:"task"`
	}
	if err := json.Unmarshal(resp, &next); err != nil {
		return err
	}
	if next.Task == nil {
		fmt.Println("No task is available")
		return nil
	}
	printTask(next.Task)
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/claim", map[string]string{"instance_id": holderID})
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

func printClaim(res *store.ClaimResult) {
	switch res.Outcome {
	case store.ClaimOutcomeClaimed:
		fmt.Printf("Claimed task %s (%s)\n", res.Task.ID, res.Task.Title)
	case store.ClaimOutcomeAlreadyClaimed:
		fmt.Printf("Already claimed by %s\n", res.Holder)
	case store.ClaimOutcomeDependenciesNotMet:
		fmt.Printf("Waiting on dependencies: %s\n", strings.Join(res.UnmetDependencies, ", "))
	default:
		fmt.Printf("Not claimed: %s\n", res.Outcome)
	}
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/release", map[string]string{"reason": taskReason}); err != nil {
		return err
	}
	fmt.Printf("Released task %s\n", args[0])
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"summary":        taskSummary,
		"files_modified": filesModified,
	}
	if _, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/complete", body); err != nil {
		return err
	}
	fmt.Printf("Completed task %s\n", args[0])
	return nil
}

func runTaskBlock(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/block", map[string]string{"reason": taskReason}); err != nil {
		return err
	}
	fmt.Printf("Blocked task %s: %s\n", args[0], taskReason)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/tasks/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
