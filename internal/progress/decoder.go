// Package progress turns raw worker logs into short tool-activity hints.
//
// Worker CLIs write newline-delimited JSON in several dialects. BuildHints
// reads a whole log (or a tail of it) and returns the recent tool calls in a
// single shape regardless of which provider produced them. Malformed lines are
// skipped; the function is pure and re-reading a grown log yields the same
// hints for the shared prefix.
package progress

import (
	"encoding/json"
	"strings"
)

const (
	DefaultMaxHints = 14
	maxOKItems      = 4
	okItemLimit     = 120
	summaryLimit    = 200
	maxLineBytes    = 4 * 1024 * 1024
)

type Phase string

const (
	PhaseUse   Phase = "use"
	PhaseOK    Phase = "ok"
	PhaseError Phase = "error"
)

type Hint struct {
	Phase    Phase   `json:"phase"`
	Tool     string  `json:"tool"`
	Summary  string  `json:"summary"`
	FilePath *string `json:"file_path"`
}

type Progress struct {
	CurrentFile *string  `json:"current_file"`
	Hints       []Hint   `json:"hints"`
	OKItems     []string `json:"ok_items"`
}

// BuildHints decodes raw NDJSON worker output. maxHints <= 0 uses DefaultMaxHints.
func BuildHints(raw string, maxHints int) Progress {
	if maxHints <= 0 {
		maxHints = DefaultMaxHints
	}
	d := newDecoder()
	for rest := raw; rest != ""; {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		// Oversized lines are usually tool output dumps; they are dropped
		// without ending the decode.
		if len(line) > maxLineBytes {
			continue
		}
		d.line(line)
	}
	return d.finish(maxHints)
}

type toolCall struct {
	tool    string
	summary string
	file    *string
}

type pendingBlock struct {
	id      string
	name    string
	input   map[string]any
	partial strings.Builder
}

type decoder struct {
	hints  []Hint
	seen   map[string]struct{}
	calls  map[string]toolCall
	blocks map[int]*pendingBlock
}

func newDecoder() *decoder {
	return &decoder{
		seen:   make(map[string]struct{}),
		calls:  make(map[string]toolCall),
		blocks: make(map[int]*pendingBlock),
	}
}

type envelope struct {
	Type         string          `json:"type"`
	Event        json.RawMessage `json:"event"`
	Index        *int            `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Message      json.RawMessage `json:"message"`
	Item         json.RawMessage `json:"item"`
	Part         json.RawMessage `json:"part"`
	ToolName     string          `json:"tool_name"`
	ToolID       string          `json:"tool_id"`
	Parameters   json.RawMessage `json:"parameters"`
	Status       string          `json:"status"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

type blockDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type transcriptMessage struct {
	Content []contentBlock `json:"content"`
}

type codexItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	ItemType         string          `json:"item_type"`
	Command          string          `json:"command"`
	ExitCode         *int            `json:"exit_code"`
	Status           string          `json:"status"`
	Changes          []codexChange   `json:"changes"`
	Tool             string          `json:"tool"`
	Server           string          `json:"server"`
	Prompt           string          `json:"prompt"`
	ReceiverThreads  []string        `json:"receiver_thread_ids"`
	Arguments        json.RawMessage `json:"arguments"`
	AggregatedOutput string          `json:"aggregated_output"`
}

type codexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type responsesItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"`
	Action    struct {
		Query string `json:"query"`
	} `json:"action"`
}

type openCodePart struct {
	ID     string `json:"id"`
	CallID string `json:"callID"`
	Tool   string `json:"tool"`
	State  struct {
		Status string          `json:"status"`
		Input  json.RawMessage `json:"input"`
		Title  string          `json:"title"`
	} `json:"state"`
}

func (d *decoder) line(text string) {
	text = strings.TrimSpace(text)
	if text == "" || !strings.HasPrefix(text, "{") {
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return
	}

	switch env.Type {
	case "stream_event":
		var inner envelope
		if err := json.Unmarshal(env.Event, &inner); err != nil {
			return
		}
		d.blockEvent(inner)
	case "content_block_start", "content_block_delta", "content_block_stop":
		d.blockEvent(env)
	case "assistant":
		d.transcript(env.Message, false)
	case "user":
		d.transcript(env.Message, true)
	case "item.started", "item.updated", "item.completed":
		d.codex(env.Type, env.Item)
	case "response.output_item.added", "response.output_item.done":
		d.responsesItem(env.Type == "response.output_item.done", env.Item)
	case "tool_use":
		if len(env.Part) > 0 && string(env.Part) != "null" {
			d.openCode(env.Part)
			return
		}
		if env.ToolID == "" && env.ToolName == "" {
			return
		}
		d.use("gemini:"+firstNonEmpty(env.ToolID, env.ToolName), env.ToolName, parseObject(env.Parameters))
	case "tool_result":
		if env.ToolID == "" {
			return
		}
		key := "gemini:" + env.ToolID
		phase := PhaseOK
		if !strings.EqualFold(env.Status, "success") {
			phase = PhaseError
		}
		d.result(key, key+":result", phase)
	}
}

func (d *decoder) blockEvent(ev envelope) {
	if ev.Index == nil {
		return
	}
	idx := *ev.Index
	switch ev.Type {
	case "content_block_start":
		var block contentBlock
		if err := json.Unmarshal(ev.ContentBlock, &block); err != nil {
			return
		}
		if block.Type != "tool_use" && block.Type != "server_tool_use" {
			delete(d.blocks, idx)
			return
		}
		d.blocks[idx] = &pendingBlock{
			id:    block.ID,
			name:  block.Name,
			input: parseObject(block.Input),
		}
	case "content_block_delta":
		pb, ok := d.blocks[idx]
		if !ok {
			return
		}
		var delta blockDelta
		if err := json.Unmarshal(ev.Delta, &delta); err != nil {
			return
		}
		if delta.Type == "input_json_delta" {
			pb.partial.WriteString(delta.PartialJSON)
		}
	case "content_block_stop":
		pb, ok := d.blocks[idx]
		if !ok {
			return
		}
		delete(d.blocks, idx)
		input := mergeInput(pb.input, parseObject(json.RawMessage(pb.partial.String())))
		key := "claude:" + pb.id
		if pb.id == "" {
			key = ""
		}
		d.use(key, pb.name, input)
	}
}

func (d *decoder) transcript(raw json.RawMessage, results bool) {
	var msg transcriptMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		switch {
		case !results && (block.Type == "tool_use" || block.Type == "server_tool_use"):
			key := ""
			if block.ID != "" {
				key = "claude:" + block.ID
			}
			d.use(key, block.Name, parseObject(block.Input))
		case results && block.Type == "tool_result" && block.ToolUseID != "":
			key := "claude:" + block.ToolUseID
			phase := PhaseOK
			if block.IsError {
				phase = PhaseError
			}
			d.result(key, key+":result", phase)
		}
	}
}

func (d *decoder) codex(eventType string, raw json.RawMessage) {
	var item codexItem
	if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
		return
	}
	kind := firstNonEmpty(item.Type, item.ItemType)

	var call toolCall
	switch kind {
	case "command_execution":
		call = toolCall{tool: "Bash", summary: clip(item.Command, summaryLimit)}
	case "file_change":
		call = toolCall{tool: "Edit"}
		parts := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			if ch.Path == "" {
				continue
			}
			if call.file == nil {
				p := ch.Path
				call.file = &p
			}
			parts = append(parts, strings.TrimSpace(ch.Kind+" "+ch.Path))
		}
		call.summary = clip(strings.Join(parts, ", "), summaryLimit)
	case "collab_tool_call":
		call = toolCall{tool: firstNonEmpty(item.Tool, "collab")}
		call.summary = clip(firstNonEmpty(oneLine(item.Prompt), strings.Join(item.ReceiverThreads, ", ")), summaryLimit)
	case "mcp_tool_call":
		tool := item.Tool
		if item.Server != "" {
			tool = item.Server + "." + tool
		}
		input := parseObject(item.Arguments)
		call = toolCall{tool: firstNonEmpty(tool, "mcp"), summary: summarizeInput(input), file: filePathOf(input)}
	default:
		return
	}
	if call.summary == "" {
		call.summary = call.tool
	}

	key := "codex:" + item.ID
	d.useCall(key, call)
	if eventType != "item.completed" {
		return
	}
	phase := PhaseOK
	status := strings.ToLower(item.Status)
	if status == "failed" || status == "declined" || (item.ExitCode != nil && *item.ExitCode != 0) {
		phase = PhaseError
	}
	d.result(key, key+":done", phase)
}

// responsesItem handles items recorded from a Responses API stream. Function
// arguments are only complete once the item is done; hosted tool calls carry
// their own status.
func (d *decoder) responsesItem(done bool, raw json.RawMessage) {
	var item responsesItem
	if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
		return
	}
	key := "responses:" + firstNonEmpty(item.CallID, item.ID)
	switch item.Type {
	case "function_call":
		if !done || item.Name == "" {
			return
		}
		d.use(key, item.Name, parseObject(json.RawMessage(item.Arguments)))
	case "web_search_call", "file_search_call":
		tool := strings.TrimSuffix(item.Type, "_call")
		d.useCall(key, toolCall{tool: tool, summary: firstNonEmpty(clip(oneLine(item.Action.Query), summaryLimit), tool)})
		if !done {
			return
		}
		phase := PhaseOK
		if strings.EqualFold(item.Status, "failed") {
			phase = PhaseError
		}
		d.result(key, key+":done", phase)
	}
}

func (d *decoder) openCode(raw json.RawMessage) {
	var part openCodePart
	if err := json.Unmarshal(raw, &part); err != nil {
		return
	}
	callID := firstNonEmpty(part.CallID, part.ID)
	if callID == "" || part.Tool == "" {
		return
	}
	key := "opencode:" + callID
	input := parseObject(part.State.Input)
	call := toolCall{tool: part.Tool, summary: summarizeInput(input), file: filePathOf(input)}
	if call.summary == "" {
		call.summary = firstNonEmpty(clip(oneLine(part.State.Title), summaryLimit), part.Tool)
	}
	d.useCall(key, call)

	status := strings.ToLower(part.State.Status)
	switch status {
	case "completed":
		d.result(key, key+":"+status, PhaseOK)
	case "error":
		d.result(key, key+":"+status, PhaseError)
	}
}

func (d *decoder) use(key, tool string, input map[string]any) {
	call := toolCall{tool: tool, summary: summarizeInput(input), file: filePathOf(input)}
	if call.summary == "" {
		call.summary = tool
	}
	d.useCall(key, call)
}

// useCall records the call and emits a use hint the first time the key is seen.
// An empty key is never deduplicated.
func (d *decoder) useCall(key string, call toolCall) {
	if call.tool == "" {
		return
	}
	if key != "" {
		if _, ok := d.seen[key]; ok {
			return
		}
		d.seen[key] = struct{}{}
		d.calls[key] = call
	}
	d.hints = append(d.hints, Hint{Phase: PhaseUse, Tool: call.tool, Summary: call.summary, FilePath: call.file})
}

func (d *decoder) result(key, resultKey string, phase Phase) {
	if _, ok := d.seen[resultKey]; ok {
		return
	}
	call, ok := d.calls[key]
	if !ok {
		return
	}
	d.seen[resultKey] = struct{}{}
	d.hints = append(d.hints, Hint{Phase: phase, Tool: call.tool, Summary: call.summary, FilePath: call.file})
}

func (d *decoder) finish(maxHints int) Progress {
	hints := make([]Hint, 0, len(d.hints))
	for _, h := range d.hints {
		if n := len(hints); n > 0 && sameHint(hints[n-1], h) {
			continue
		}
		hints = append(hints, h)
	}

	out := Progress{Hints: hints, OKItems: []string{}}
	for i := len(hints) - 1; i >= 0; i-- {
		if hints[i].FilePath != nil {
			p := *hints[i].FilePath
			out.CurrentFile = &p
			break
		}
	}

	seenOK := make(map[string]struct{})
	for i := len(hints) - 1; i >= 0 && len(out.OKItems) < maxOKItems; i-- {
		if hints[i].Phase != PhaseOK {
			continue
		}
		item := clip(hints[i].Summary, okItemLimit)
		if item == "" {
			continue
		}
		if _, ok := seenOK[item]; ok {
			continue
		}
		seenOK[item] = struct{}{}
		out.OKItems = append(out.OKItems, item)
	}
	for i, j := 0, len(out.OKItems)-1; i < j; i, j = i+1, j-1 {
		out.OKItems[i], out.OKItems[j] = out.OKItems[j], out.OKItems[i]
	}

	if len(out.Hints) > maxHints {
		out.Hints = out.Hints[len(out.Hints)-maxHints:]
	}
	return out
}
