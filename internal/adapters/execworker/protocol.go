package execworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mcdonaldj/epack/internal/ports"
)

// Event types written by the worker, one JSON object per line.
const (
	EventEntry    = "entry"
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// Event is one line of worker output.
type Event struct {
	Type      string       `json:"type"`
	Entry     *ports.Entry `json:"entry,omitempty"`
	Fraction  float64      `json:"fraction,omitempty"`
	Name      string       `json:"name,omitempty"`
	TotalSize int64        `json:"total_size,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Err converts an error event back into an error carrying the matching sentinel.
func (e Event) Err() error {
	if e.Kind == "cancelled" {
		return fmt.Errorf("worker: %w", context.Canceled)
	}
	if sentinel := ports.KindError(e.Kind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Message)
	}
	return errors.New(e.Message)
}

// Serve runs one worker operation against backend and writes its events to out.
//
//	list <archive>
//	extract <archive> <dest>
//
// The returned error has already been written as an error event.
func Serve(ctx context.Context, out io.Writer, backend ports.Backend, args []string) error {
	enc := &encoder{enc: json.NewEncoder(out)}

	var err error
	switch {
	case len(args) == 2 && args[0] == "list":
		err = serveList(ctx, enc, backend, args[1])
	case len(args) == 3 && args[0] == "extract":
		err = backend.Extract(ctx, args[1], args[2], func(p ports.Progress) {
			enc.write(Event{Type: EventProgress, Fraction: p.Fraction, Name: p.Name})
		})
		if err == nil {
			enc.write(Event{Type: EventDone})
		}
	default:
		err = fmt.Errorf("usage: worker list <archive> | worker extract <archive> <dest>")
	}

	if err != nil {
		kind := ports.ErrorKind(err)
		if errors.Is(err, context.Canceled) {
			kind = "cancelled"
		}
		enc.write(Event{Type: EventError, Kind: kind, Message: err.Error()})
	}
	return err
}

func serveList(ctx context.Context, enc *encoder, backend ports.Backend, archive string) error {
	listing, err := backend.List(ctx, archive)
	if err != nil {
		return err
	}
	for i := range listing.Entries {
		enc.write(Event{Type: EventEntry, Entry: &listing.Entries[i]})
	}
	enc.write(Event{Type: EventDone, TotalSize: listing.TotalSize})
	return nil
}

type encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (e *encoder) write(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(ev)
}

// decode reads events from r until EOF. Lines that are not JSON objects are ignored.
func decode(r io.Reader, handle func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		handle(ev)
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe flowing so the child never blocks on a full stdout.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
