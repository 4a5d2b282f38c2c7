// Package launch starts one worker run per delegated job and reports exactly
// one completion for it, whatever kind of provider executes the run.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"organ_dispatch/internal/domain"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrNoLauncher       = errors.New("no launcher configured for provider family")
	errMissedCompletion = errors.New("launcher closed without completion")
)

type Family int

const (
	FamilyUnknown Family = iota
	FamilyLocalProcess
	FamilyHTTPStream
	FamilyOAuthStream
)

func (f Family) String() string {
	switch f {
	case FamilyLocalProcess:
		return "local_process"
	case FamilyHTTPStream:
		return "http_stream"
	case FamilyOAuthStream:
		return "oauth_stream"
	default:
		return "unknown"
	}
}

func FamilyOf(p domain.Provider) Family {
	switch p {
	case domain.ProviderClaude, domain.ProviderCodex, domain.ProviderGemini, domain.ProviderOpenCode:
		return FamilyLocalProcess
	case domain.ProviderAPI:
		return FamilyHTTPStream
	case domain.ProviderCopilot, domain.ProviderAntigravity:
		return FamilyOAuthStream
	default:
		return FamilyUnknown
	}
}

type Request struct {
	JobID          string
	AgentID        string
	Provider       domain.Provider
	Prompt         string
	WorkDir        string
	Model          string
	ReasoningLevel string
	OAuthAccountID string
}

// Completion is the single outcome of a run. ExitCode 0 means success.
type Completion struct {
	JobID    string
	ExitCode int
	Err      error
}

type Launcher interface {
	Launch(ctx context.Context, req Request) (<-chan Completion, error)
}

// LogOpener hands out the append-only log file of a job.
type LogOpener interface {
	OpenLog(jobID string) (*os.File, error)
}

// Router dispatches a request to the launcher of its provider family.
type Router struct {
	Process Launcher
	HTTP    Launcher
	OAuth   Launcher
}

func (r Router) Launch(ctx context.Context, req Request) (<-chan Completion, error) {
	var target Launcher
	family := FamilyOf(req.Provider)
	switch family {
	case FamilyLocalProcess:
		target = r.Process
	case FamilyHTTPStream:
		target = r.HTTP
	case FamilyOAuthStream:
		target = r.OAuth
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLauncher, family)
	}
	ch, err := target.Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return single(req.JobID, ch), nil
}

// single forwards the first completion of in and closes. A source that closes
// without a value yields a synthesized failure.
func single(jobID string, in <-chan Completion) <-chan Completion {
	out := make(chan Completion, 1)
	go func() {
		c, ok := <-in
		if !ok {
			c = Completion{ExitCode: 1, Err: errMissedCompletion}
		}
		if c.JobID == "" {
			c.JobID = jobID
		}
		out <- c
		close(out)
		for range in {
		}
	}()
	return out
}
