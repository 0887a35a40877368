package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage file locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire [path...]",
	Short: "Lock one or more paths (all or nothing)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [path]",
	Short: "Release a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

var lockForceReleaseCmd = &cobra.Command{
	Use:   "force-release [path]",
	Short: "Remove a lock regardless of holder",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockForceRelease,
}

var lockExtendCmd = &cobra.Command{
	Use:   "extend [path]",
	Short: "Extend a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockExtend,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active locks",
	RunE:  runLockList,
}

var lockCheckCmd = &cobra.Command{
	Use:   "check [path...]",
	Short: "Check whether paths are locked",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLockCheck,
}

var (
	lockInstance string
	lockReason   string
	lockTTL      int
	lockMinutes  int
	lockPattern  string
)

func init() {
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockForceReleaseCmd, lockExtendCmd, lockListCmd, lockCheckCmd)

	lockCmd.PersistentFlags().StringVarP(&projectID, "project", "p", defaultProject(), "Project ID")

	for _, c := range []*cobra.Command{lockAcquireCmd, lockReleaseCmd, lockExtendCmd, lockCheckCmd} {
		c.Flags().StringVar(&lockInstance, "instance", "", "Instance ID holding the lock")
	}
	lockAcquireCmd.MarkFlagRequired("instance")
	lockReleaseCmd.MarkFlagRequired("instance")
	lockExtendCmd.MarkFlagRequired("instance")

	lockAcquireCmd.Flags().StringVar(&lockReason, "reason", "", "Why the paths are locked")
	lockAcquireCmd.Flags().IntVar(&lockTTL, "ttl", 0, "Lock TTL in minutes (daemon default when 0)")
	lockExtendCmd.Flags().IntVar(&lockMinutes, "minutes", 30, "Minutes from now until expiry")

	lockListCmd.Flags().StringVar(&lockInstance, "instance", "", "Only locks held by this instance")
	lockListCmd.Flags().StringVar(&lockPattern, "pattern", "", "Glob pattern, e.g. 'src/**/*.go'")
}

func locksPath(suffix string) string {
	return "/projects/" + url.PathEscape(projectID) + "/locks" + suffix
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	resp, err := apiPost(locksPath("/bulk"), map[string]any{
		"paths":       args,
		"instance_id": lockInstance,
		"reason":      lockReason,
		"ttl_minutes": lockTTL,
	})
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == 409) {
		return err
	}

	var res store.BulkLockResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	if c := res.Conflict; c != nil {
		return fmt.Errorf("%s is locked by %s until %s", c.Path, c.HolderID, c.ExpiresAt.Format(time.Kitchen))
	}
	for _, l := range res.Locks {
		fmt.Printf("Locked %s until %s\n", l.Path, l.ExpiresAt.Format(time.Kitchen))
	}
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	_, err := apiPost(locksPath("/release"), map[string]string{"path": args[0], "instance_id": lockInstance})
	if err != nil {
		return err
	}
	fmt.Printf("Released %s\n", args[0])
	return nil
}

func runLockForceRelease(cmd *cobra.Command, args []string) error {
	resp, err := apiPost(locksPath("/force-release"), map[string]string{"path": args[0]})
	if err != nil {
		return err
	}
	var lock models.Lock
	if err := json.Unmarshal(resp, &lock); err != nil {
		return err
	}
	fmt.Printf("Removed lock on %s held by %s\n", lock.Path, lock.InstanceID)
	return nil
}

func runLockExtend(cmd *cobra.Command, args []string) error {
	resp, err := apiPost(locksPath("/extend"), map[string]any{
		"path":        args[0],
		"instance_id": lockInstance,
		"minutes":     lockMinutes,
	})
	if err != nil {
		return err
	}
	var lock models.Lock
	if err := json.Unmarshal(resp, &lock); err != nil {
		return err
	}
	fmt.Printf("Extended %s until %s\n", lock.Path, lock.ExpiresAt.Format(time.Kitchen))
	return nil
}

func runLockList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if lockPattern != "" {
		q.Set("pattern", lockPattern)
	} else if lockInstance != "" {
		q.Set("instance", lockInstance)
	}
	path := locksPath("")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var list []models.Lock
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No active locks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tHOLDER\tEXPIRES\tREASON")
	for _, l := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Path, l.InstanceID, time.Until(l.ExpiresAt).Round(time.Second), truncate(l.Reason, 40))
	}
	w.Flush()
	return nil
}

func runLockCheck(cmd *cobra.Command, args []string) error {
	q := url.Values{"path": args}
	if lockInstance != "" {
		q.Set("instance", lockInstance)
	}
	resp, err := apiGet(locksPath("/check?" + q.Encode()))
	if err != nil {
		return err
	}
	var statuses []locks.PathStatus
	if err := json.Unmarshal(resp, &statuses); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSTATE\tHOLDER")
	for _, st := range statuses {
		state := "free"
		switch {
		case st.HeldByOther:
			state = "locked"
		case st.Locked:
			state = "yours"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Path, state, st.HolderID)
	}
	w.Flush()
	return nil
}
