// Package reader implements the per-container output reader: readline,
// parse, typed event, optional sanitise, envelope, publish, and optional
// resume-token save. Lines are read with bufio.Reader.ReadBytes rather
// than bufio.Scanner so a single oversized line fails on its own instead
// of capping the whole stream's token size.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/valyala/fastjson"

	"github.com/fred-drake/carapace/internal/bus"
	"github.com/fred-drake/carapace/internal/resume"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// maxLineBytes bounds one NDJSON line; anything longer becomes an inline
// response.error and the stream continues.
const maxLineBytes = 1024 * 1024

// ResumeStore is the narrow surface the reader needs from internal/resume.
type ResumeStore interface {
	Save(ctx context.Context, group, claudeSessionID string) error
}

// Sanitizer is the defense-in-depth redaction step applied to every
// response.* payload before publish.
type Sanitizer interface {
	Sanitize(payload json.RawMessage) (json.RawMessage, []string, error)
}

// Reader owns one container's stdout stream and its seq counter — a
// dedicated, single-purpose actor with no back-pointer to the lifecycle
// manager that created it.
type Reader struct {
	ContainerID string
	Group       string
	Bus         bus.Publisher
	Resume      ResumeStore
	Sanitizer   Sanitizer // nil disables sanitisation

	seq uint64
}

// New builds a Reader for one container.
func New(containerID, group string, publisher bus.Publisher, resume ResumeStore, sanitizer Sanitizer) *Reader {
	return &Reader{ContainerID: containerID, Group: group, Bus: publisher, Resume: resume, Sanitizer: sanitizer}
}

// Run reads NDJSON lines from r until EOF or ctx is cancelled. A stream
// error emits a final response.error event then returns it to the caller
// (the container lifecycle manager marks the container dead); a clean EOF
// returns nil. Lines are read with bufio.Reader.ReadBytes rather than
// bufio.Scanner: Scanner enforces a fixed token ceiling and fails the whole
// stream with bufio.ErrTooLong the moment one line exceeds it, whereas an
// oversized line here must fail on its own with an inline response.error
// event while the stream continues.
func (rd *Reader) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			rd.handleLine(ctx, bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			rd.emitError(ctx, err.Error())
			return fmt.Errorf("reader: stream error: %w", err)
		}
	}
}

func (rd *Reader) handleLine(ctx context.Context, line []byte) {
	if len(line) > maxLineBytes {
		rd.emitError(ctx, "line too large")
		return
	}
	if len(strings.TrimSpace(string(line))) == 0 {
		rd.emitError(ctx, "malformed JSON: empty line")
		return
	}

	val, err := fastjson.ParseBytes(line)
	if err != nil {
		rd.emitError(ctx, fmt.Sprintf("malformed JSON: %v", err))
		return
	}
	typ := string(val.GetStringBytes("type"))

	switch typ {
	case "system":
		rd.handleSystem(ctx, line)
	case "assistant":
		rd.handleAssistant(ctx, line)
	case "tool_result":
		rd.handleToolResult(ctx, line)
	case "result":
		rd.handleResult(ctx, line)
	default:
		// Unknown type: silently skipped, seq not bumped.
	}
}

type systemLine struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

func (rd *Reader) handleSystem(ctx context.Context, raw []byte) {
	var sl systemLine
	if err := json.Unmarshal(raw, &sl); err != nil {
		rd.emitError(ctx, fmt.Sprintf("malformed JSON: %v", err))
		return
	}
	seq := rd.nextSeq()
	rd.publish(ctx, protocol.TopicResponseSystem, map[string]any{
		"claudeSessionId": sl.SessionID,
		"model":           nonEmpty(sl.Model),
		"raw":             json.RawMessage(raw),
		"seq":             seq,
	})
	rd.maybeSaveResumeToken(ctx, sl.SessionID)
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type assistantLine struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func (rd *Reader) handleAssistant(ctx context.Context, raw []byte) {
	var al assistantLine
	if err := json.Unmarshal(raw, &al); err != nil {
		rd.emitError(ctx, fmt.Sprintf("malformed JSON: %v", err))
		return
	}

	// tool_use wins over text if both present.
	for _, block := range al.Message.Content {
		if block.Type == "tool_use" {
			seq := rd.nextSeq()
			rd.publish(ctx, protocol.TopicResponseToolCall, map[string]any{
				"toolName":  block.Name,
				"toolInput": block.Input,
				"raw":       json.RawMessage(raw),
				"seq":       seq,
			})
			return
		}
	}

	var text strings.Builder
	for _, block := range al.Message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return
	}
	seq := rd.nextSeq()
	rd.publish(ctx, protocol.TopicResponseChunk, map[string]any{
		"text": text.String(),
		"raw":  json.RawMessage(raw),
		"seq":  seq,
	})
}

type toolResultLine struct {
	ToolName   string `json:"tool_name"`
	IsError    bool   `json:"is_error"`
	DurationMs *int   `json:"duration_ms"`
}

func (rd *Reader) handleToolResult(ctx context.Context, raw []byte) {
	var tl toolResultLine
	if err := json.Unmarshal(raw, &tl); err != nil {
		rd.emitError(ctx, fmt.Sprintf("malformed JSON: %v", err))
		return
	}
	seq := rd.nextSeq()
	payload := map[string]any{
		"toolName": tl.ToolName,
		"success":  !tl.IsError,
		"seq":      seq,
	}
	if tl.DurationMs != nil {
		payload["durationMs"] = *tl.DurationMs
	}
	// content is deliberately never copied into the event.
	rd.publish(ctx, protocol.TopicResponseToolResult, payload)
}

type resultLine struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Usage     json.RawMessage `json:"usage"`
	Cost      json.RawMessage `json:"cost"`
}

func (rd *Reader) handleResult(ctx context.Context, raw []byte) {
	var rl resultLine
	if err := json.Unmarshal(raw, &rl); err != nil {
		rd.emitError(ctx, fmt.Sprintf("malformed JSON: %v", err))
		return
	}
	exitCode := 0
	if rl.IsError {
		exitCode = 1
	}
	seq := rd.nextSeq()
	payload := map[string]any{
		"claudeSessionId": rl.SessionID,
		"exitCode":        exitCode,
		"raw":             json.RawMessage(raw),
		"seq":             seq,
	}
	if len(rl.Usage) > 0 {
		payload["usage"] = rl.Usage
	}
	if len(rl.Cost) > 0 {
		payload["cost"] = rl.Cost
	}
	rd.publish(ctx, protocol.TopicResponseEnd, payload)
	rd.maybeSaveResumeToken(ctx, rl.SessionID)
}

// maybeSaveResumeToken persists claudeSessionID for the reader's group.
// Anything not shaped like a UUID v4 is skipped silently — agents emit
// placeholder ids in some stream positions and those are not resume tokens.
func (rd *Reader) maybeSaveResumeToken(ctx context.Context, claudeSessionID string) {
	if rd.Resume == nil || !resume.IsUUIDv4(claudeSessionID) {
		return
	}
	if err := rd.Resume.Save(ctx, rd.Group, claudeSessionID); err != nil {
		slog.Warn("reader.resume_save_failed", "container", rd.ContainerID, "error", err)
	}
}

func (rd *Reader) emitError(ctx context.Context, reason string) {
	rd.publish(ctx, protocol.TopicResponseError, map[string]any{"reason": reason})
}

func (rd *Reader) publish(ctx context.Context, topic string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("reader.marshal_failed", "container", rd.ContainerID, "error", err)
		return
	}

	if rd.Sanitizer != nil {
		sanitized, paths, err := rd.Sanitizer.Sanitize(body)
		if err != nil {
			slog.Warn("reader.sanitize_failed", "container", rd.ContainerID, "error", err)
		} else {
			body = sanitized
			if len(paths) > 0 {
				slog.Debug("reader.sanitized", "container", rd.ContainerID, "paths", paths)
			}
		}
	}

	env, err := protocol.NewEnvelope(protocol.TypeEvent, rd.ContainerID, rd.Group, topic, "", json.RawMessage(body))
	if err != nil {
		slog.Error("reader.envelope_failed", "container", rd.ContainerID, "error", err)
		return
	}
	rd.Bus.Publish(bus.Event{Topic: topic, Envelope: env})
}

func (rd *Reader) nextSeq() uint64 {
	return atomic.AddUint64(&rd.seq, 1)
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
