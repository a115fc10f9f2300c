package cep

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Codec encodes events for the shared buffer.
type Codec[V any] interface {
	Encode(event V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// JSONCodec encodes events with encoding/json. It is the default.
//
// Numbers decoded into interface values come back as json.Number, not
// float64, so map events keep integers beyond 2^53 exact. Struct fields
// decode to their declared types as usual.
type JSONCodec[V any] struct{}

// Encode implements Codec.
func (JSONCodec[V]) Encode(event V) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var event V
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&event); err != nil {
		return event, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}
