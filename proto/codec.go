package proto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// envelope discriminates a marshalled command/response by a Kind tag,
// the same "tagged union over JSON" idiom used across the pack's
// control-plane-shaped services to move sum types over the wire
// without a protobuf codegen step.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func marshalEnvelope(kind string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: kind, Payload: payload})
}

// StorageCodec implements transport.Codec for StorageCommand and
// StorageResponse values.
type StorageCodec struct{}

func (StorageCodec) Marshal(v interface{}) ([]byte, error) {
	switch c := v.(type) {
	case IngestSources:
		return marshalEnvelope("IngestSources", c)
	case AllowCompaction:
		return marshalEnvelope("AllowCompaction", c)
	case FrontierUppers:
		return marshalEnvelope("FrontierUppers", c)
	case LinearizedTimestamps:
		return marshalEnvelope("LinearizedTimestamps", c)
	default:
		return nil, errors.Errorf("proto: unrecognized storage value %T", v)
	}
}

func (StorageCodec) Unmarshal(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "IngestSources":
		var v IngestSources
		return v, json.Unmarshal(env.Payload, &v)
	case "AllowCompaction":
		var v AllowCompaction
		return v, json.Unmarshal(env.Payload, &v)
	case "FrontierUppers":
		var v FrontierUppers
		return v, json.Unmarshal(env.Payload, &v)
	case "LinearizedTimestamps":
		var v LinearizedTimestamps
		return v, json.Unmarshal(env.Payload, &v)
	default:
		return nil, errors.Errorf("proto: unrecognized storage envelope kind %q", env.Kind)
	}
}

// ComputeCodec implements transport.Codec for ComputeCommand and
// ComputeResponse values.
type ComputeCodec struct{}

func (ComputeCodec) Marshal(v interface{}) ([]byte, error) {
	switch c := v.(type) {
	case CreateInstance:
		return marshalEnvelope("CreateInstance", c)
	case DropInstance:
		return marshalEnvelope("DropInstance", c)
	case CreateDataflows:
		return marshalEnvelope("CreateDataflows", c)
	case ComputeAllowCompaction:
		return marshalEnvelope("ComputeAllowCompaction", c)
	case Peek:
		return marshalEnvelope("Peek", c)
	case CancelPeeks:
		return marshalEnvelope("CancelPeeks", c)
	case FrontierUppers:
		return marshalEnvelope("FrontierUppers", c)
	case PeekResponse:
		return marshalEnvelope("PeekResponse", c)
	case SubscribeResponse:
		return marshalEnvelope("SubscribeResponse", c)
	case Heartbeat:
		return marshalEnvelope("Heartbeat", c)
	default:
		return nil, errors.Errorf("proto: unrecognized compute value %T", v)
	}
}

func (ComputeCodec) Unmarshal(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "CreateInstance":
		var v CreateInstance
		return v, json.Unmarshal(env.Payload, &v)
	case "DropInstance":
		var v DropInstance
		return v, json.Unmarshal(env.Payload, &v)
	case "CreateDataflows":
		var v CreateDataflows
		return v, json.Unmarshal(env.Payload, &v)
	case "ComputeAllowCompaction":
		var v ComputeAllowCompaction
		return v, json.Unmarshal(env.Payload, &v)
	case "Peek":
		var v Peek
		return v, json.Unmarshal(env.Payload, &v)
	case "CancelPeeks":
		var v CancelPeeks
		return v, json.Unmarshal(env.Payload, &v)
	case "FrontierUppers":
		var v FrontierUppers
		return v, json.Unmarshal(env.Payload, &v)
	case "PeekResponse":
		var v PeekResponse
		return v, json.Unmarshal(env.Payload, &v)
	case "SubscribeResponse":
		var v SubscribeResponse
		return v, json.Unmarshal(env.Payload, &v)
	case "Heartbeat":
		var v Heartbeat
		return v, json.Unmarshal(env.Payload, &v)
	default:
		return nil, errors.Errorf("proto: unrecognized compute envelope kind %q", env.Kind)
	}
}
