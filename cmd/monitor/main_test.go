package main

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"organ_dispatch/internal/domain"
)

func TestParsePrompt(t *testing.T) {
	title, drafts, err := parsePrompt("Launch landing page :: design=hero mockups; qa = smoke test ;; write copy")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if title != "Launch landing page" {
		t.Fatalf("title=%q", title)
	}
	want := []subtaskDraft{
		{Title: "hero mockups", TargetDepartmentID: "design"},
		{Title: "smoke test", TargetDepartmentID: "qa"},
		{Title: "write copy"},
	}
	if !reflect.DeepEqual(drafts, want) {
		t.Fatalf("drafts=%+v", drafts)
	}

	if _, _, err := parsePrompt("  :: design=x"); err == nil {
		t.Fatalf("expected error for empty title")
	}
	title, drafts, err = parsePrompt("just a title")
	if err != nil || title != "just a title" || len(drafts) != 0 {
		t.Fatalf("title only: %q %v %v", title, drafts, err)
	}
}

func TestParentTasksNewestFirst(t *testing.T) {
	now := time.Now()
	tasks := []domain.Task{
		{ID: "old", UpdatedAt: now.Add(-time.Hour)},
		{ID: "job", SourceTaskID: "old", UpdatedAt: now},
		{ID: "new", UpdatedAt: now.Add(-time.Minute)},
	}
	var ids []string
	for _, task := range parentTasks(tasks) {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "new,old" {
		t.Fatalf("parents=%v", ids)
	}
}

func TestActiveJob(t *testing.T) {
	tests := []struct {
		name string
		jobs []domain.Task
		want string
	}{
		{"none", nil, ""},
		{"running wins", []domain.Task{{ID: "a", Status: domain.TaskStatusDone}, {ID: "b", Status: domain.TaskStatusInProgress}, {ID: "c", Status: domain.TaskStatusDone}}, "b"},
		{"newest otherwise", []domain.Task{{ID: "a", Status: domain.TaskStatusDone}, {ID: "b", Status: domain.TaskStatusBlocked}}, "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := activeJob(tc.jobs); got != tc.want {
				t.Fatalf("activeJob=%q want %q", got, tc.want)
			}
		})
	}
}

func TestTrimLineIsRuneSafe(t *testing.T) {
	if got := trimLine("дизайн главной страницы", 10); got != "дизайн ..." {
		t.Fatalf("trimLine=%q", got)
	}
	if got := trimLine("a\nb", 10); got != "a b" {
		t.Fatalf("newline not flattened: %q", got)
	}
}
