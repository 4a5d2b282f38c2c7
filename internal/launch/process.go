package launch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"organ_dispatch/internal/domain"
)

const defaultHeartbeatInterval = 30 * time.Second

// Command overrides how a provider CLI is invoked. Args, when set, replaces the
// generated argument list entirely.
type Command struct {
	Binary    string
	Args      []string
	ExtraArgs []string
	Env       map[string]string
}

type ProcessConfig struct {
	Commands          map[domain.Provider]Command
	Logs              LogOpener
	Logger            *log.Logger
	HeartbeatInterval time.Duration
	OnHeartbeat       func(jobID string, elapsed time.Duration)
}

// ProcessLauncher runs claude, codex, gemini and opencode as child processes.
// The process is not bound to the launch context: stopping a worker is the
// caller's business, not the launcher's.
type ProcessLauncher struct {
	commands    map[domain.Provider]Command
	logs        LogOpener
	logger      *log.Logger
	interval    time.Duration
	onHeartbeat func(jobID string, elapsed time.Duration)
}

func NewProcessLauncher(cfg ProcessConfig) (*ProcessLauncher, error) {
	if cfg.Logs == nil {
		return nil, fmt.Errorf("process launcher requires a log opener")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &ProcessLauncher{
		commands:    cfg.Commands,
		logs:        cfg.Logs,
		logger:      cfg.Logger,
		interval:    cfg.HeartbeatInterval,
		onHeartbeat: cfg.OnHeartbeat,
	}, nil
}

func (l *ProcessLauncher) Launch(ctx context.Context, req Request) (<-chan Completion, error) {
	if FamilyOf(req.Provider) != FamilyLocalProcess {
		return nil, fmt.Errorf("%w: %q is not a local CLI", ErrUnknownProvider, req.Provider)
	}
	override := l.commands[req.Provider]
	binary := strings.TrimSpace(override.Binary)
	if binary == "" {
		binary = string(req.Provider)
	}
	args, promptOnStdin := buildArgs(req)
	if len(override.Args) > 0 {
		args = append([]string(nil), override.Args...)
	} else {
		args = append(args, override.ExtraArgs...)
	}
	if !promptOnStdin && len(override.Args) == 0 {
		args = append(args, req.Prompt)
	}

	logFile, err := l.logs.OpenLog(req.JobID)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), buildEnv(req, override.Env)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if promptOnStdin || len(override.Args) > 0 {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start %s worker: %w", req.Provider, err)
	}
	l.logger.Printf("worker started job=%s provider=%s pid=%d dir=%s", req.JobID, req.Provider, cmd.Process.Pid, req.WorkDir)

	out := make(chan Completion, 1)
	go func() {
		defer close(out)
		stop := startProgressHeartbeat(ctx, l.interval, func(elapsed time.Duration) {
			if l.onHeartbeat != nil {
				l.onHeartbeat(req.JobID, elapsed)
			}
		})
		waitErr := cmd.Wait()
		stop()
		_ = logFile.Close()

		code := exitCode(waitErr)
		l.logger.Printf("worker exited job=%s provider=%s code=%d", req.JobID, req.Provider, code)
		c := Completion{JobID: req.JobID, ExitCode: code}
		if code != 0 {
			c.Err = waitErr
		}
		out <- c
	}()
	return out, nil
}

// buildArgs returns the provider argv and whether the prompt goes on stdin.
func buildArgs(req Request) ([]string, bool) {
	model := strings.TrimSpace(req.Model)
	level := effortFor(req.ReasoningLevel)
	switch req.Provider {
	case domain.ProviderClaude:
		args := []string{
			"-p",
			"--verbose",
			"--output-format", "stream-json",
			"--include-partial-messages",
			"--dangerously-skip-permissions",
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args, true
	case domain.ProviderCodex:
		args := []string{"exec", "--json", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox"}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%q", level), "-")
		return args, true
	case domain.ProviderGemini:
		args := []string{"--output-format", "stream-json", "-y"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args, true
	case domain.ProviderOpenCode:
		args := []string{"run", "--format", "json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args, false
	}
	return nil, true
}

func buildEnv(req Request, extra map[string]string) []string {
	env := make([]string, 0, len(extra)+2)
	if req.Provider == domain.ProviderClaude && strings.TrimSpace(req.ReasoningLevel) != "" {
		env = append(env, "CLAUDE_CODE_EFFORT_LEVEL="+effortFor(req.ReasoningLevel))
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}
