// Package logstream parses a worker's NDJSON output stream into typed
// events, keeping a short ring of recent lines and a health signal.
// The claude CLI emits one JSON object per line with --output-format
// stream-json; anything that fails to decode is treated as plain text.
package logstream

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	maxOutputLines = 1000
	maxEvents      = 500

	// A worker in the working state with no output for this long is
	// considered stalled.
	staleAfter = 60 * time.Second
)

// Worker states derived from the stream.
const (
	StateIdle    = "idle"
	StateReady   = "ready"
	StateWorking = "working"
)

// Event is one parsed line of worker output.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	At        int64  `json:"at"` // epoch millis
}

// Health is a point-in-time assessment derived from the stream.
type Health struct {
	State            string `json:"state"`
	MsSinceLastEvent int64  `json:"msSinceLastEvent"`
	ErrorCount       int    `json:"errorCount"`
	TotalEvents      int    `json:"totalEvents"`
	Healthy          bool   `json:"isHealthy"`
}

type rawEvent struct {
	Type      string      `json:"type"`
	Subtype   string      `json:"subtype"`
	SessionID string      `json:"session_id"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Content []rawContent `json:"content"`
}

type rawContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Parser is a stateful line parser for one worker's output. It is not
// safe for concurrent use; each worker's reader goroutine owns one.
type Parser struct {
	now func() time.Time

	events      []Event
	outputLines []string
	lineBuffer  string
	sessionID   string
	state       string
	lastEventAt int64
	errorCount  int
	totalEvents int
}

// New creates an idle parser using the given clock.
func New(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now, state: StateIdle}
}

// ParseLine parses one line. JSON lines yield an event; plain-text
// lines return nil and land in the output ring. Empty lines are ignored
// entirely and do not touch the last-event clock.
func (p *Parser) ParseLine(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	now := p.now().UnixMilli()
	p.lastEventAt = now

	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		p.pushOutput(trimmed)
		return nil
	}

	e := p.processRaw(raw, now)
	p.pushEvent(e)
	return &e
}

// ParseBatch splits a chunk on newlines and parses each complete line,
// carrying a trailing partial line over to the next call.
func (p *Parser) ParseBatch(chunk string) []Event {
	data := chunk
	if p.lineBuffer != "" {
		data = p.lineBuffer + chunk
		p.lineBuffer = ""
	}

	lines := strings.Split(data, "\n")
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if last != "" {
		p.lineBuffer = last
	}

	var out []Event
	for _, line := range lines {
		if e := p.ParseLine(line); e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Flush parses any buffered partial line. Called when the stream ends.
func (p *Parser) Flush() *Event {
	if p.lineBuffer == "" {
		return nil
	}
	line := p.lineBuffer
	p.lineBuffer = ""
	return p.ParseLine(line)
}

// HealthSignal derives liveness from stream recency. A silent worker is
// only suspect while in the working state.
func (p *Parser) HealthSignal() Health {
	var msSince int64
	if p.lastEventAt > 0 {
		msSince = p.now().UnixMilli() - p.lastEventAt
	}
	return Health{
		State:            p.state,
		MsSinceLastEvent: msSince,
		ErrorCount:       p.errorCount,
		TotalEvents:      p.totalEvents,
		Healthy:          msSince < staleAfter.Milliseconds() || p.state != StateWorking,
	}
}

// RecentOutput returns up to limit recent lines, most recent last. The
// returned slice is a copy.
func (p *Parser) RecentOutput(limit int) []string {
	if limit <= 0 || limit > maxOutputLines {
		limit = maxOutputLines
	}
	start := 0
	if len(p.outputLines) > limit {
		start = len(p.outputLines) - limit
	}
	out := make([]string, len(p.outputLines)-start)
	copy(out, p.outputLines[start:])
	return out
}

// SessionID returns the session id latched from the init event.
func (p *Parser) SessionID() string { return p.sessionID }

// State returns the current derived worker state.
func (p *Parser) State() string { return p.state }

func (p *Parser) processRaw(raw rawEvent, now int64) Event {
	e := Event{
		Type:      raw.Type,
		Subtype:   raw.Subtype,
		SessionID: raw.SessionID,
		At:        now,
	}

	if raw.Type == "system" && raw.Subtype == "init" && raw.SessionID != "" {
		p.sessionID = raw.SessionID
		p.state = StateReady
	}

	if raw.Type == "assistant" {
		p.state = StateWorking
		if raw.Message != nil {
			var text strings.Builder
			for _, c := range raw.Message.Content {
				if c.Type == "text" && c.Text != "" {
					text.WriteString(c.Text)
					p.pushOutput(c.Text)
				}
			}
			e.Text = text.String()
		}
	}

	if raw.Type == "result" || raw.Subtype == "error" {
		e.IsError = raw.Subtype == "error"
		if e.IsError {
			p.errorCount++
		}
	}

	p.totalEvents++
	return e
}

func (p *Parser) pushEvent(e Event) {
	if len(p.events) >= maxEvents {
		p.events = p.events[1:]
	}
	p.events = append(p.events, e)
}

func (p *Parser) pushOutput(line string) {
	if len(p.outputLines) >= maxOutputLines {
		p.outputLines = p.outputLines[1:]
	}
	p.outputLines = append(p.outputLines, line)
}
