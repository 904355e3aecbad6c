package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/smartflowcrm/voicecore/internal/bus"
)

const workerBucket = "voicecore_workers"

// NATSStore keeps worker entries in a JetStream key-value bucket so
// every process routing calls sees the same fleet. Writes are
// last-writer-wins; the 5-second heartbeat overwrite keeps entries
// converged.
type NATSStore struct {
	kv nats.KeyValue
}

func NewNATSStore(client *bus.Client) (*NATSStore, error) {
	js := client.JetStream()
	kv, err := js.KeyValue(workerBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      workerBucket,
			Description: "registered media workers",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open worker bucket: %w", err)
	}
	return &NATSStore{kv: kv}, nil
}

func (s *NATSStore) Put(_ context.Context, entry WorkerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal worker entry: %w", err)
	}
	if _, err := s.kv.Put(entry.ID, data); err != nil {
		return fmt.Errorf("put worker entry: %w", err)
	}
	return nil
}

func (s *NATSStore) Get(_ context.Context, id string) (WorkerEntry, bool, error) {
	kve, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return WorkerEntry{}, false, nil
	}
	if err != nil {
		return WorkerEntry{}, false, fmt.Errorf("get worker entry: %w", err)
	}
	var entry WorkerEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		return WorkerEntry{}, false, fmt.Errorf("decode worker entry: %w", err)
	}
	return entry, true, nil
}

func (s *NATSStore) List(ctx context.Context) ([]WorkerEntry, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list worker keys: %w", err)
	}
	entries := make([]WorkerEntry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *NATSStore) Delete(_ context.Context, id string) error {
	if err := s.kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete worker entry: %w", err)
	}
	return nil
}
