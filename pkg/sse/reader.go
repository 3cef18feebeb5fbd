// Package sse reads a text/event-stream body as a sequence of events.
package sse

import (
	"errors"
	"io"
	"iter"

	gosse "github.com/tmaxmax/go-sse"
)

// MaxEventSize bounds a single event
const MaxEventSize = 1 << 20

// ContentType is the media type of an event stream
const ContentType = "text/event-stream"

// DefaultName is the name of events sent without an event field
const DefaultName = "message"

// Event is one dispatched server-sent event
type Event struct {
	ID   string
	Name string
	Data string
}

// Events yields the events read from r in order. The sequence ends without
// an error when the stream ends. Any other read error is yielded once and ends
// the sequence.
func Events(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range gosse.Read(r, &gosse.ReadConfig{MaxEventSize: MaxEventSize}) {
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return
				}
				yield(Event{}, err)
				return
			}
			name := ev.Type
			if name == "" {
				name = DefaultName
			}
			if !yield(Event{ID: ev.LastEventID, Name: name, Data: ev.Data}, nil) {
				return
			}
		}
	}
}
