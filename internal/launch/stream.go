package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	streamDefaultEffort    = "high"
	streamDefaultRetries   = 2
	streamDefaultBackoff   = 1500 * time.Millisecond
	streamDefaultTimeout   = 30 * time.Minute
	streamDefaultLogBytes  = 8 * 1024 * 1024
	streamDefaultMaxTokens = 24000
	streamMaxEventBytes    = 1024 * 1024
	streamErrorBodyLimit   = 64 * 1024
)

var errStreamTruncated = fmt.Errorf("stream ended before a terminal event: %w", io.ErrUnexpectedEOF)

// TokenSource yields the bearer token for one run.
type TokenSource interface {
	Token(req Request) (string, error)
}

// StaticToken is a TokenSource that always returns the same value.
type StaticToken string

func (s StaticToken) Token(Request) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

type StreamConfig struct {
	Name            string
	Endpoint        string
	Model           string
	ReasoningEffort string
	Tokens          TokenSource
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	// MaxLogBytes caps what one run may record in its job log.
	MaxLogBytes     int
	MaxOutputTokens int
	Logs            LogOpener
	// OnDelta, when set, sees every output text fragment as it streams in.
	OnDelta         func(jobID, text string)
	Logger          *log.Logger
	Client          *http.Client
}

func (c StreamConfig) withDefaults() StreamConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "api"
	}
	if c.Tokens == nil {
		c.Tokens = StaticToken("")
	}
	if c.Timeout <= 0 {
		c.Timeout = streamDefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = streamDefaultRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = streamDefaultBackoff
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = streamDefaultLogBytes
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = streamDefaultMaxTokens
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	c.ReasoningEffort = effortFor(c.ReasoningEffort)
	return c
}

// StreamLauncher runs a job as one streamed Responses API call. Every stream
// event is recorded in the job log as one JSON line, which is the shape the
// progress tailer decodes.
type StreamLauncher struct {
	cfg StreamConfig
}

func NewStreamLauncher(cfg StreamConfig) (*StreamLauncher, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Logs == nil {
		return nil, fmt.Errorf("stream launcher requires a log opener")
	}
	return &StreamLauncher{cfg: cfg.withDefaults()}, nil
}

func (l *StreamLauncher) Launch(ctx context.Context, req Request) (<-chan Completion, error) {
	token, err := l.cfg.Tokens.Token(req)
	if err != nil {
		return nil, fmt.Errorf("%s token: %w", l.cfg.Name, err)
	}
	body, err := l.requestBody(req)
	if err != nil {
		return nil, err
	}
	logFile, err := l.cfg.Logs.OpenLog(req.JobID)
	if err != nil {
		return nil, err
	}
	l.cfg.Logger.Printf("stream worker started job=%s launcher=%s provider=%s", req.JobID, l.cfg.Name, req.Provider)

	out := make(chan Completion, 1)
	go func() {
		defer close(out)
		defer logFile.Close()

		runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()

		rec := &eventRecorder{w: logFile, limit: l.cfg.MaxLogBytes}
		err := l.run(runCtx, req.JobID, token, body, rec)
		c := Completion{JobID: req.JobID}
		if err != nil {
			c.ExitCode = 1
			c.Err = err
			_ = rec.note(l.cfg.Name, err)
		}
		l.cfg.Logger.Printf("stream worker finished job=%s launcher=%s code=%d err=%v", req.JobID, l.cfg.Name, c.ExitCode, err)
		out <- c
	}()
	return out, nil
}

func (l *StreamLauncher) requestBody(req Request) ([]byte, error) {
	model := firstNonBlank(req.Model, l.cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("%s: empty model for job %s", l.cfg.Name, req.JobID)
	}
	effort := l.cfg.ReasoningEffort
	if strings.TrimSpace(req.ReasoningLevel) != "" {
		effort = effortFor(req.ReasoningLevel)
	}
	body, err := json.Marshal(batchRequest{
		Model:           model,
		Instructions:    workerInstructions,
		Stream:          true,
		Reasoning:       &batchReasoning{Effort: effort},
		Input:           []batchMessage{{Role: "user", Content: []batchContent{{Type: "input_text", Text: req.Prompt}}}},
		MaxOutputTokens: l.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}
	return body, nil
}

// run retries transient failures as long as nothing reached the log yet;
// replaying after that would duplicate recorded events.
func (l *StreamLauncher) run(ctx context.Context, jobID, token string, body []byte, rec *eventRecorder) error {
	for attempt := 1; ; attempt++ {
		err := l.attempt(ctx, jobID, token, body, rec)
		if err == nil {
			return nil
		}
		if rec.written > 0 || !retryable(err) || attempt > l.cfg.Retries {
			return err
		}
		wait := time.Duration(attempt) * l.cfg.RetryBackoff
		l.cfg.Logger.Printf("stream worker retry job=%s attempt=%d wait=%s reason=%v", jobID, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *StreamLauncher) attempt(ctx context.Context, jobID, token string, body []byte, rec *eventRecorder) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := l.cfg.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request: %w", l.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, streamErrorBodyLimit))
		return statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	var onDelta func(string)
	if l.cfg.OnDelta != nil {
		onDelta = func(text string) { l.cfg.OnDelta(jobID, text) }
	}
	return consumeStream(resp.Body, rec, onDelta)
}

// consumeStream records events until the response reaches a terminal state.
// Output text deltas are also handed to onDelta when it is non-nil.
func consumeStream(body io.Reader, rec *eventRecorder, onDelta func(string)) error {
	events := newEventReader(body, streamMaxEventBytes)
	for {
		payload, err := events.Next()
		if errors.Is(err, io.EOF) {
			return errStreamTruncated
		}
		if err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}
		var ev batchEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := rec.record(payload); err != nil {
			return err
		}
		if ev.Type == "response.output_text.delta" && ev.Delta != "" && onDelta != nil {
			onDelta(ev.Delta)
		}
		if done, err := ev.outcome(); done {
			return err
		}
	}
}

// eventRecorder appends compacted JSON events to a job log, one per line.
type eventRecorder struct {
	w       io.Writer
	limit   int
	written int
	buf     bytes.Buffer
}

func (r *eventRecorder) record(payload []byte) error {
	r.buf.Reset()
	if err := json.Compact(&r.buf, payload); err != nil {
		return fmt.Errorf("compact stream event: %w", err)
	}
	r.buf.WriteByte('\n')
	if r.written+r.buf.Len() > r.limit {
		return fmt.Errorf("job log exceeds %d bytes", r.limit)
	}
	n, err := r.w.Write(r.buf.Bytes())
	r.written += n
	return err
}

func (r *eventRecorder) note(name string, cause error) error {
	_, err := fmt.Fprintf(r.w, "[%s] run failed: %v\n", name, cause)
	return err
}

// outcome reports whether ev ends the run and, if so, how.
func (ev batchEvent) outcome() (bool, error) {
	switch ev.Type {
	case "error":
		msg := "unknown"
		if ev.Error != nil {
			msg = ev.Error.Message
		} else if ev.Message != "" {
			msg = ev.Message
		}
		return true, fmt.Errorf("stream error: %s", msg)
	case "response.completed":
		return true, nil
	case "response.failed":
		if ev.Response != nil && ev.Response.Error != nil {
			return true, fmt.Errorf("response failed: %s", ev.Response.Error.Message)
		}
		return true, errors.New("response failed")
	case "response.incomplete":
		reason := "unknown"
		if ev.Response != nil && ev.Response.IncompleteDetails != nil {
			reason = ev.Response.IncompleteDetails.Reason
		}
		return true, fmt.Errorf("response incomplete: %s", reason)
	}
	return false, nil
}

func effortFor(level string) string {
	switch v := strings.ToLower(strings.TrimSpace(level)); v {
	case "none", "low", "medium", "high":
		return v
	default:
		return streamDefaultEffort
	}
}

func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("api status=%d", e.code)
	}
	return fmt.Sprintf("api status=%d body=%s", e.code, e.body)
}

type batchRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions"`
	Stream          bool            `json:"stream"`
	Reasoning       *batchReasoning `json:"reasoning,omitempty"`
	Input           []batchMessage  `json:"input"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

type batchReasoning struct {
	Effort string `json:"effort"`
}

type batchMessage struct {
	Role    string         `json:"role"`
	Content []batchContent `json:"content"`
}

type batchContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type batchEvent struct {
	Type     string         `json:"type"`
	Message  string         `json:"message,omitempty"`
	Delta    string         `json:"delta,omitempty"`
	Response *batchResponse `json:"response,omitempty"`
	Error    *batchAPIError `json:"error,omitempty"`
}

type batchResponse struct {
	Status            string         `json:"status"`
	Error             *batchAPIError `json:"error,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details,omitempty"`
}

type batchAPIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const workerInstructions = `You are a worker agent executing a delegated batch of subtasks.
Work through every numbered item in the prompt, report what you changed per item,
and finish with a one-line status for the whole batch.`
