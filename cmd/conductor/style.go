package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

func taskStatusColor(s models.TaskStatus) lipgloss.Color {
	switch s {
	case models.TaskStatusDone:
		return successColor
	case models.TaskStatusInProgress:
		return cyanColor
	case models.TaskStatusBlocked:
		return errorColor
	case models.TaskStatusReview:
		return warningColor
	default:
		return mutedColor
	}
}

func instanceStatusColor(s models.InstanceStatus) lipgloss.Color {
	switch s {
	case models.InstanceStatusIdle:
		return successColor
	case models.InstanceStatusBusy, models.InstanceStatusActive:
		return cyanColor
	default:
		return errorColor
	}
}

// countTable renders a status/count panel with colored labels.
func countTable(title string, labels []string, counts []int, color func(i int) lipgloss.Color) string {
	width := len(title)
	for _, l := range labels {
		width = max(width, len(l))
	}
	label := lipgloss.NewStyle().Width(width + 2)
	count := lipgloss.NewStyle().Width(6).Align(lipgloss.Right)

	rows := []string{headerStyle.Render(label.Render(title) + count.Render("COUNT"))}
	for i, l := range labels {
		rows = append(rows, cellStyle.Render(
			label.Foreground(color(i)).Render(l)+count.Render(fmt.Sprint(counts[i]))))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderStats lays out the instance and task tables side by side.
func renderStats(st *orchestrator.Stats) string {
	instLabels := make([]string, 0, len(models.InstanceStatuses))
	instCounts := make([]int, 0, len(models.InstanceStatuses))
	for _, s := range models.InstanceStatuses {
		instLabels = append(instLabels, string(s))
		instCounts = append(instCounts, st.Instances[s])
	}
	taskLabels := make([]string, 0, len(models.TaskStatuses))
	taskCounts := make([]int, 0, len(models.TaskStatuses))
	for _, s := range models.TaskStatuses {
		taskLabels = append(taskLabels, string(s))
		taskCounts = append(taskCounts, st.Tasks[s])
	}

	instances := countTable("INSTANCES", instLabels, instCounts, func(i int) lipgloss.Color {
		return instanceStatusColor(models.InstanceStatuses[i])
	})
	tasks := countTable("TASKS", taskLabels, taskCounts, func(i int) lipgloss.Color {
		return taskStatusColor(models.TaskStatuses[i])
	})

	var b strings.Builder
	b.WriteString(titleStyle.Render("Project " + st.ProjectID))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, instances, "  ", tasks))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(fmt.Sprintf("%d task(s) ready to dispatch", st.Available)))
	return b.String()
}
