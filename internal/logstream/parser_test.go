package logstream

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestParseSystemInit(t *testing.T) {
	p := New(nil)
	e := p.ParseLine(`{"type":"system","subtype":"init","session_id":"abc123"}`)
	require.NotNil(t, e)
	assert.Equal(t, "system", e.Type)
	assert.Equal(t, "init", e.Subtype)
	assert.Equal(t, "abc123", p.SessionID())
	assert.Equal(t, StateReady, p.State())
}

func TestParseAssistantMessage(t *testing.T) {
	p := New(nil)
	e := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}`)
	require.NotNil(t, e)
	assert.Equal(t, "Hello world", e.Text)
	assert.Equal(t, StateWorking, p.State())
	assert.Equal(t, []string{"Hello ", "world"}, p.RecentOutput(0))
}

func TestParsePlainText(t *testing.T) {
	p := New(nil)
	assert.Nil(t, p.ParseLine("just some text"))
	assert.Equal(t, []string{"just some text"}, p.RecentOutput(0))
}

func TestEmptyLinesIgnored(t *testing.T) {
	p := New(nil)
	assert.Nil(t, p.ParseLine(""))
	assert.Nil(t, p.ParseLine("   "))
	h := p.HealthSignal()
	assert.Zero(t, h.TotalEvents)
	assert.Zero(t, h.MsSinceLastEvent)
}

func TestErrorCounting(t *testing.T) {
	p := New(nil)
	e := p.ParseLine(`{"type":"result","subtype":"error"}`)
	require.NotNil(t, e)
	assert.True(t, e.IsError)

	e = p.ParseLine(`{"type":"result","subtype":"success"}`)
	require.NotNil(t, e)
	assert.False(t, e.IsError)

	h := p.HealthSignal()
	assert.Equal(t, 1, h.ErrorCount)
	assert.Equal(t, 2, h.TotalEvents)
}

func TestHealthSignalStaleWhileWorking(t *testing.T) {
	at := time.Unix(1000, 0)
	p := New(fixedClock(at))
	p.ParseLine(`{"type":"assistant","message":{"content":[]}}`)
	require.Equal(t, StateWorking, p.State())

	p.now = fixedClock(at.Add(30 * time.Second))
	assert.True(t, p.HealthSignal().Healthy)

	p.now = fixedClock(at.Add(61 * time.Second))
	assert.False(t, p.HealthSignal().Healthy)
}

func TestHealthSignalStaleWhileReadyIsFine(t *testing.T) {
	at := time.Unix(1000, 0)
	p := New(fixedClock(at))
	p.ParseLine(`{"type":"system","subtype":"init","session_id":"s1"}`)

	p.now = fixedClock(at.Add(10 * time.Minute))
	h := p.HealthSignal()
	assert.Equal(t, StateReady, h.State)
	assert.True(t, h.Healthy)
}

func TestRecentOutputRing(t *testing.T) {
	p := New(nil)
	for i := 0; i < maxOutputLines+100; i++ {
		p.ParseLine(fmt.Sprintf("line %d", i))
	}
	all := p.RecentOutput(0)
	require.Len(t, all, maxOutputLines)
	assert.Equal(t, fmt.Sprintf("line %d", maxOutputLines+99), all[len(all)-1])

	tail := p.RecentOutput(5)
	require.Len(t, tail, 5)
	assert.Equal(t, fmt.Sprintf("line %d", maxOutputLines+95), tail[0])
}

func TestParseBatchCarriesPartialLine(t *testing.T) {
	p := New(nil)
	events := p.ParseBatch(`{"type":"system","subtype":"init","session_id":"s1"}` + "\n" + `{"type":"assist`)
	require.Len(t, events, 1)
	assert.Equal(t, "s1", p.SessionID())

	events = p.ParseBatch(`ant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n")
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].Text)
}

func TestFlushParsesTrailingLine(t *testing.T) {
	p := New(nil)
	require.Empty(t, p.ParseBatch(`{"type":"result"}`))
	e := p.Flush()
	require.NotNil(t, e)
	assert.Equal(t, "result", e.Type)
	assert.Nil(t, p.Flush())
}

// Chunk boundaries must not change what gets parsed: feeding the same
// input through ParseBatch with arbitrary splits yields the same events
// as ParseLine over whole lines.
func TestChunkBoundaryEquivalence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lineGen := rapid.SampledFrom([]string{
			`{"type":"system","subtype":"init","session_id":"s1"}`,
			`{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`,
			`{"type":"result","subtype":"error"}`,
			`{"type":"result","subtype":"success"}`,
			`plain output line`,
			`{"type":"system","subtype":"status"}`,
		})
		lines := rapid.SliceOfN(lineGen, 1, 30).Draw(t, "lines")
		input := strings.Join(lines, "\n") + "\n"

		clock := fixedClock(time.Unix(5000, 0))
		whole := New(clock)
		var want []Event
		for _, line := range lines {
			if e := whole.ParseLine(line); e != nil {
				want = append(want, *e)
			}
		}

		chunked := New(clock)
		var got []Event
		rest := input
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			got = append(got, chunked.ParseBatch(rest[:n])...)
			rest = rest[n:]
		}
		if e := chunked.Flush(); e != nil {
			got = append(got, *e)
		}

		assert.Equal(t, want, got)
		assert.Equal(t, whole.SessionID(), chunked.SessionID())
		assert.Equal(t, whole.State(), chunked.State())
		assert.Equal(t, whole.RecentOutput(0), chunked.RecentOutput(0))
	})
}
