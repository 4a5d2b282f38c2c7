package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/progress"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

type subtaskDraft struct {
	Title              string `json:"title"`
	TargetDepartmentID string `json:"target_department_id,omitempty"`
}

// parsePrompt reads "title :: dept=work; dept=work; local work". Items
// without a department stay with the parent.
func parsePrompt(prompt string) (string, []subtaskDraft, error) {
	title, rest, _ := strings.Cut(prompt, "::")
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil, errors.New("title is required")
	}
	var drafts []subtaskDraft
	for _, item := range strings.Split(rest, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dept, work, ok := strings.Cut(item, "=")
		if !ok {
			drafts = append(drafts, subtaskDraft{Title: item})
			continue
		}
		drafts = append(drafts, subtaskDraft{
			Title:              strings.TrimSpace(work),
			TargetDepartmentID: strings.TrimSpace(dept),
		})
	}
	return title, drafts, nil
}

func (c *client) createAndDelegate(prompt string) (string, error) {
	title, drafts, err := parsePrompt(prompt)
	if err != nil {
		return "", err
	}
	var out struct {
		Task domain.Task `json:"task"`
	}
	if err := c.postJSON("/tasks", map[string]any{
		"title":    title,
		"subtasks": drafts,
		"delegate": true,
	}, &out); err != nil {
		return "", err
	}
	return out.Task.ID, nil
}

func (c *client) listTasks() ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON("/tasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSubtasks(taskID string) ([]domain.Subtask, error) {
	var out []domain.Subtask
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/subtasks", url.PathEscape(taskID)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listJobs(taskID string) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/jobs", url.PathEscape(taskID)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listMessages(taskID string, limit int) ([]domain.CEOMessage, error) {
	var out []domain.CEOMessage
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/messages?limit=%d", url.PathEscape(taskID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listLogs(taskID string, limit int) ([]domain.TaskLog, error) {
	var out []domain.TaskLog
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/logs?limit=%d", url.PathEscape(taskID), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) hints(jobID string) (progress.Progress, error) {
	var out progress.Progress
	if err := c.getJSON(fmt.Sprintf("/tasks/%s/hints", url.PathEscape(jobID)), &out); err != nil {
		return progress.Progress{}, err
	}
	return out, nil
}

func (c *client) delegate(taskID string) (bool, error) {
	var out struct {
		Started bool `json:"dispatch_started"`
	}
	if err := c.postJSON(fmt.Sprintf("/tasks/%s/delegate", url.PathEscape(taskID)), map[string]any{}, &out); err != nil {
		return false, err
	}
	return out.Started, nil
}

func (c *client) stop(jobID string, mode domain.StopMode) error {
	return c.postJSON(fmt.Sprintf("/tasks/%s/stop", url.PathEscape(jobID)), map[string]any{"mode": mode}, nil)
}

func (c *client) resume(jobID string) error {
	return c.postJSON(fmt.Sprintf("/tasks/%s/resume", url.PathEscape(jobID)), map[string]any{}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, dbPath, logsRoot, configPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", ":" + port, "--db", dbPath, "--logs", logsRoot}
	if strings.TrimSpace(configPath) != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"orchestrator", "orchestrator.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
