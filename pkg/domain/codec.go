package domain

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PropsCodec (de)serializes payloads for persistence.
type PropsCodec interface {
	Encode(Props) ([]byte, error)
	Decode(modelType string, data []byte) (Props, error)
}

// RawProps holds an undecoded payload. It declares no references.
type RawProps struct {
	Type string
	Data json.RawMessage
}

// ModelType implements Props.
func (r RawProps) ModelType() string { return r.Type }

// References implements Props.
func (RawProps) References() []Reference { return nil }

// MarshalJSON emits the raw payload unchanged.
func (r RawProps) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

// JSONCodec encodes payloads with encoding/json. Payload types must be
// registered by value type; unregistered types decode to RawProps when
// AllowUnknown is set.
type JSONCodec struct {
	mu           sync.RWMutex
	decoders     map[string]func([]byte) (Props, error)
	AllowUnknown bool
}

// NewJSONCodec returns an empty codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{decoders: make(map[string]func([]byte) (Props, error))}
}

// RegisterProps registers payload type T under its ModelType name.
func RegisterProps[T Props](c *JSONCodec) {
	var zero T
	name := zero.ModelType()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[name] = func(data []byte) (Props, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Encode implements PropsCodec.
func (c *JSONCodec) Encode(p Props) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.ModelType(), err)
	}
	return data, nil
}

// Decode implements PropsCodec.
func (c *JSONCodec) Decode(modelType string, data []byte) (Props, error) {
	c.mu.RLock()
	dec, ok := c.decoders[modelType]
	c.mu.RUnlock()
	if !ok {
		if c.AllowUnknown {
			return RawProps{Type: modelType, Data: append(json.RawMessage(nil), data...)}, nil
		}
		return nil, fmt.Errorf("decode: unknown model type %q", modelType)
	}
	p, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", modelType, err)
	}
	return p, nil
}

// EncodeModel converts a model to its storage form.
func EncodeModel(codec PropsCodec, m Model) (RawModel, error) {
	data, err := codec.Encode(m.Props)
	if err != nil {
		return RawModel{}, err
	}
	return RawModel{
		ID:                    m.ID,
		Type:                  m.Type(),
		State:                 m.State,
		CreatedAt:             m.CreatedAt,
		LastPropsUpdateAt:     m.LastPropsUpdateAt,
		LastStateTransitionAt: m.LastStateTransitionAt,
		TimeTrigger:           m.TimeTrigger,
		Props:                 data,
	}, nil
}

// DecodeModel converts a stored model back to its live form.
func DecodeModel(codec PropsCodec, raw RawModel) (Model, error) {
	props, err := codec.Decode(raw.Type, raw.Props)
	if err != nil {
		return Model{}, err
	}
	return Model{
		ID:                    raw.ID,
		CreatedAt:             raw.CreatedAt,
		LastPropsUpdateAt:     raw.LastPropsUpdateAt,
		LastStateTransitionAt: raw.LastStateTransitionAt,
		State:                 raw.State,
		TimeTrigger:           raw.TimeTrigger,
		Props:                 props,
	}, nil
}
