package main

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/progress"
)

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Dept", "Updated", "Title"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(taskStatusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(t.DepartmentID))
		table.SetCell(row, 3, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Title, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderJobsTable(table *tview.Table, jobs []domain.Task, selectedJobID string) {
	table.Clear()
	headers := []string{"Job", "Status", "Dept", "Executor", "Result"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, j := range jobs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(j.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(j.Status)).SetTextColor(taskStatusColor(j.Status)))
		table.SetCell(row, 2, tview.NewTableCell(j.DepartmentID))
		table.SetCell(row, 3, tview.NewTableCell(j.AssignedAgentID))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(j.Result, 40)))
		if j.ID == selectedJobID {
			table.Select(row, 0)
		}
	}
}

func taskStatusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusDone:
		return tcell.ColorGreen
	case domain.TaskStatusBlocked, domain.TaskStatusCancelled:
		return tcell.ColorRed
	case domain.TaskStatusInProgress, domain.TaskStatusCollaborating:
		return tcell.ColorYellow
	case domain.TaskStatusPending:
		return tcell.ColorBlue
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderSubtasks(items []domain.Subtask) string {
	if len(items) == 0 {
		return "no subtasks"
	}
	var b strings.Builder
	for _, st := range items {
		dept := st.Department()
		if dept == "" {
			dept = "local"
		}
		color := "white"
		switch st.Status {
		case domain.SubtaskStatusDone:
			color = "green"
		case domain.SubtaskStatusBlocked:
			color = "red"
		case domain.SubtaskStatusInProgress:
			color = "yellow"
		}
		fmt.Fprintf(&b, "[%s]%-11s[-] %-10s %s", color, st.Status, trimLine(dept, 10), tview.Escape(trimLine(st.Title, 60)))
		if st.BlockedReason != "" {
			fmt.Fprintf(&b, " [red](%s)[-]", tview.Escape(st.BlockedReason))
		}
		if st.DelegatedTaskID != "" {
			fmt.Fprintf(&b, " [gray]job=%s[-]", shortID(st.DelegatedTaskID))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderHints(p progress.Progress) string {
	var b strings.Builder
	if p.CurrentFile != nil {
		fmt.Fprintf(&b, "[::b]current file:[::-] %s\n\n", tview.Escape(*p.CurrentFile))
	}
	if len(p.Hints) == 0 {
		b.WriteString("no tool activity yet\n")
	}
	for _, h := range p.Hints {
		color := "yellow"
		switch h.Phase {
		case progress.PhaseOK:
			color = "green"
		case progress.PhaseError:
			color = "red"
		}
		fmt.Fprintf(&b, "[%s]%-5s[-] %-10s %s\n", color, h.Phase, trimLine(h.Tool, 10), tview.Escape(trimLine(h.Summary, 90)))
	}
	if len(p.OKItems) > 0 {
		b.WriteString("\n[::b]recent ok:[::-]\n")
		for _, item := range p.OKItems {
			fmt.Fprintf(&b, "  %s\n", tview.Escape(item))
		}
	}
	return b.String()
}

func renderMessages(items []domain.CEOMessage) string {
	if len(items) == 0 {
		return "no notices"
	}
	var b strings.Builder
	for _, m := range items {
		fmt.Fprintf(&b, "[gray]%s[-] %s\n", m.CreatedAt.Local().Format("15:04:05"), tview.Escape(m.Content))
	}
	return b.String()
}

func renderLogs(items []domain.TaskLog) string {
	if len(items) == 0 {
		return "no log entries"
	}
	var b strings.Builder
	for _, l := range items {
		color := "white"
		if l.Kind == "error" {
			color = "red"
		}
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%-6s[-] %s\n", l.CreatedAt.Local().Format("15:04:05"), color, l.Kind, tview.Escape(trimLine(l.Message, 120)))
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
