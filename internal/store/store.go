// Package store is the shared document store the engine publishes vehicle
// state to. Documents are flat field maps keyed by vehicle id; writes merge
// fields and every write notifies subscribers with the merged document.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("document not found")

// Fields is a partial document. Values are JSON encoded on write.
type Fields map[string]any

// Snapshot is a full document as of one write.
type Snapshot struct {
	Key     string                     `json:"key"`
	Version uint64                     `json:"version"`
	Fields  map[string]json.RawMessage `json:"fields"`
	Deleted bool                       `json:"deleted,omitempty"`
}

// Decode unmarshals the document into v as if it were one JSON object.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Key, err)
	}
	return nil
}

// Query selects documents for a subscription. An empty Key matches every
// document; Where, when set, filters further.
type Query struct {
	Key   string
	Where func(Snapshot) bool
}

func (q Query) matches(s Snapshot) bool {
	if q.Key != "" && q.Key != s.Key {
		return false
	}
	return q.Where == nil || s.Deleted || q.Where(s)
}

type Store interface {
	Put(ctx context.Context, key string, f Fields) error
	Get(ctx context.Context, key string) (Snapshot, error)
	Delete(ctx context.Context, key string) error
	// Subscribe delivers the current matching documents and then every
	// change until ctx is done, when the channel is closed. Slow readers
	// lose intermediate snapshots, never the latest one.
	Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error)
}

func encode(f Fields) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(f))
	for k, v := range f {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

const subscriberBuffer = 16

// offer sends s without blocking. When the buffer is full the oldest queued
// snapshot is discarded so the newest one always gets in.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
