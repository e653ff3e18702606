package cron

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Job kinds.
const (
	KindChatMessage = "chat_message"
	KindHeartbeat   = "heartbeat"
)

// Defaults applied at dispatch time when the payload leaves a field empty.
const (
	DefaultChatSession      = "scheduler"
	DefaultChatText         = "Scheduled task"
	DefaultHeartbeatChannel = "web-ui"
)

var ErrInvalidPayload = errors.New("invalid job payload")

// Payload is the kind-specific part of a scheduled job.
type Payload struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

const payloadSchemaJSON = `{
	"type": "object",
	"properties": {
		"kind": {"enum": ["chat_message", "heartbeat"]},
		"session_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"text": {"type": "string", "maxLength": 4000},
		"channel": {"type": "string", "minLength": 1, "maxLength": 128}
	},
	"required": ["kind"],
	"additionalProperties": false,
	"if": {"properties": {"kind": {"const": "heartbeat"}}},
	"then": {"not": {"anyOf": [{"required": ["session_id"]}, {"required": ["text"]}]}}
}`

var payloadSchema = mustCompilePayloadSchema()

func mustCompilePayloadSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("cron: unmarshal payload schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("job_payload.json", doc); err != nil {
		panic(fmt.Sprintf("cron: add payload schema: %v", err))
	}
	s, err := c.Compile("job_payload.json")
	if err != nil {
		panic(fmt.Sprintf("cron: compile payload schema: %v", err))
	}
	return s
}

// Normalize fills in the default kind.
func (p Payload) Normalize() Payload {
	p.Kind = strings.TrimSpace(p.Kind)
	if p.Kind == "" {
		p.Kind = KindChatMessage
	}
	return p
}

// Encode validates p against the payload schema and returns its JSON form.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p.Normalize())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayloadJSON(raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePayload parses and validates a stored payload. A missing kind, or
// an empty string, decodes as chat_message.
func DecodePayload(raw string) (Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return Payload{Kind: KindChatMessage}, nil
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if obj, ok := inst.(map[string]any); ok {
		if _, has := obj["kind"]; !has {
			obj["kind"] = KindChatMessage
		}
	}
	if err := payloadSchema.Validate(inst); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.Normalize(), nil
}

func validatePayloadJSON(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadSchema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
