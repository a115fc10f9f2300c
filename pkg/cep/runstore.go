package cep

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/streamcep/pkg/cep/state"
)

// RunStore persists each key's run set as a small JSON descriptor list.
// Event payloads never go here; they live in the buffer.
type RunStore struct {
	store  state.Store
	bucket string
	final  StageID
	stages int
}

// NewRunStore creates a run store over bucket. Loaded runs are validated
// against stages.
func NewRunStore[V any](store state.Store, bucket string, stages *Stages[V]) *RunStore {
	return &RunStore{store: store, bucket: bucket, final: stages.final, stages: stages.Len()}
}

// Load returns the runs of key, or nil if the key was never seen.
func (s *RunStore) Load(key string) ([]Run, error) {
	data, err := s.store.Get(s.bucket, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("decode runs of key %q: %w", key, err)
	}
	for _, r := range runs {
		if r.Stage < 0 || int(r.Stage) >= s.stages || r.Stage == s.final {
			return nil, fmt.Errorf("%w: key %q run %s stage %d", ErrUnknownStage, key, r.ID, r.Stage)
		}
	}
	return runs, nil
}

// Save records the runs of key into batch. An empty set deletes the key.
func (s *RunStore) Save(batch *state.Batch, key string, runs []Run) error {
	if len(runs) == 0 {
		batch.Delete(s.bucket, key)
		return nil
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("encode runs of key %q: %w", key, err)
	}
	batch.Put(s.bucket, key, data)
	return nil
}
