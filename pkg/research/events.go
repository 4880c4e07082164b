package research

import (
	"encoding/json"
	"sync"

	"github.com/mikeboe/deep-research/pkg/citations"
)

// Event is a notification emitted while a run is in progress.
type Event interface {
	EventType() string
}

// TrajectoryEvent reports a state transition or notable progress.
type TrajectoryEvent struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

// TextEvent carries the next piece of the final report.
type TextEvent struct {
	Text string `json:"text"`
}

type GeneratingCitationsEvent struct{}

type GeneratingCitationsCompleteEvent struct{}

type CitationEvent struct {
	Citation citations.Citation `json:"citation"`
}

func (TrajectoryEvent) EventType() string                  { return "trajectory" }
func (TextEvent) EventType() string                        { return "text" }
func (GeneratingCitationsEvent) EventType() string         { return "generating_citations" }
func (GeneratingCitationsCompleteEvent) EventType() string { return "generating_citations_complete" }
func (CitationEvent) EventType() string                    { return "citation" }

// EventSink receives the events of a run. Calls are serialized.
type EventSink func(Event)

// EncodeEvent renders e as {"type": ..., "data": ...}.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}{Type: e.EventType(), Data: e})
}

// serialSink guards a sink so concurrent stages can emit safely.
func serialSink(sink EventSink) EventSink {
	if sink == nil {
		return func(Event) {}
	}
	var mu sync.Mutex
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		sink(e)
	}
}
