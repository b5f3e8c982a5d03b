package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestCollector(opts ...Option) *Collector {
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	c := NewCollector(DefaultConfig(), nil, opts...)
	c.OpenDocument("main.py", "python")
	return c
}

func TestIngest_StampsMissingTimestamp(t *testing.T) {
	c := newTestCollector()
	ev, ok := c.Ingest(RawEvent{Kind: "insert", DocumentID: "main.py"})
	require.True(t, ok)
	assert.Equal(t, t0, ev.Timestamp)
	assert.Equal(t, "main.py", ev.ContextKey, "context defaults to the document")
}

func TestIngest_KeepsProvidedTimestamp(t *testing.T) {
	c := newTestCollector()
	ts := t0.Add(-time.Minute)
	ev, ok := c.Ingest(RawEvent{Timestamp: ts, Kind: "delete", DocumentID: "main.py", ContextKey: "fn:total"})
	require.True(t, ok)
	assert.Equal(t, ts, ev.Timestamp)
	assert.Equal(t, "fn:total", ev.ContextKey)
}

func TestIngest_DropsMalformed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewCollector(DefaultConfig(), zap.New(core))
	c.OpenDocument("main.py", "python")

	tests := []struct {
		name string
		raw  RawEvent
	}{
		{"unknown kind", RawEvent{Kind: "paste", DocumentID: "main.py"}},
		{"no document", RawEvent{Kind: "insert"}},
		{"unopened document", RawEvent{Kind: "insert", DocumentID: "other.py"}},
		{"bad span", RawEvent{Kind: "insert", DocumentID: "main.py", Span: &Span{Start: 5, End: 2}}},
		{"diagnostic without code", RawEvent{Kind: "diagnosticRaised", DocumentID: "main.py", Diagnostic: &Diagnostic{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := c.Ingest(tt.raw)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, len(tests), logs.Len())
	assert.Empty(t, c.Window("main.py"))
}

func TestIngest_ClosedDocumentDropped(t *testing.T) {
	c := newTestCollector()
	c.CloseDocument("main.py")
	_, ok := c.Ingest(RawEvent{Kind: "insert", DocumentID: "main.py"})
	assert.False(t, ok)
	assert.False(t, c.IsOpen("main.py"))
}

func TestIngest_HashesContent(t *testing.T) {
	c := newTestCollector()
	a, _ := c.Ingest(RawEvent{Kind: "insert", DocumentID: "main.py", Content: "x = 1  # one"})
	b, _ := c.Ingest(RawEvent{Kind: "insert", DocumentID: "main.py", Content: "x   = 1"})
	require.NotEmpty(t, a.ContentHash)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestIngest_ForwardsToSink(t *testing.T) {
	var got []EditorEvent
	c := newTestCollector(WithSink(func(ev EditorEvent) { got = append(got, ev) }))
	c.Ingest(RawEvent{Kind: "insert", DocumentID: "main.py"})
	c.Ingest(RawEvent{Kind: "bogus", DocumentID: "main.py"})
	c.Ingest(RawEvent{Kind: "delete", DocumentID: "main.py"})
	require.Len(t, got, 2)
	assert.Equal(t, KindInsert, got[0].Kind)
	assert.Equal(t, KindDelete, got[1].Kind)
}

func TestWindow_Bounded(t *testing.T) {
	cfg := Config{WindowSize: 4, WindowHorizon: time.Second}
	c := NewCollector(cfg, nil)
	c.OpenDocument("doc", "go")

	for i := 0; i < 10; i++ {
		c.Ingest(RawEvent{Timestamp: t0.Add(time.Duration(i) * time.Second), Kind: "insert", DocumentID: "doc"})
	}
	w := c.Window("doc")
	require.Len(t, w, 4)
	assert.Equal(t, t0.Add(9*time.Second), w[3].Timestamp)
}

func TestWindow_KeepsHorizonUpToHardCap(t *testing.T) {
	cfg := Config{WindowSize: 2, WindowHorizon: time.Minute}
	c := NewCollector(cfg, nil)
	c.OpenDocument("doc", "go")

	for i := 0; i < 20; i++ {
		c.Ingest(RawEvent{Timestamp: t0.Add(time.Duration(i) * time.Millisecond), Kind: "delete", DocumentID: "doc"})
	}
	assert.Len(t, c.Window("doc"), 2*hardCapFactor)
}
