// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package message defines the messages exchanged between the
// request/admission layer and the scheduler.
//
// Every message carries an explicit "event_type" discriminator.
// Decode maps a generic payload (as produced by encoding/json) onto
// exactly one variant, or returns an error wrapping
// ErrDeserialization; it never returns a nil Message with a nil
// error.
package message

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
)

// EventType identifies a message variant.
type EventType int

const (
	EventInvalid          EventType = -1
	EventSessionInit      EventType = 1
	EventMaaSRequest      EventType = 2
	EventSchedulerRequest EventType = 3
)

var eventTypeNames = map[EventType]string{
	EventInvalid:          "INVALID",
	EventSessionInit:      "SESSION_INIT",
	EventMaaSRequest:      "NWM_MAAS_REQUEST",
	EventSchedulerRequest: "SCHEDULER_REQUEST",
}

func (et EventType) String() string {
	if s, ok := eventTypeNames[et]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(et))
}

// ErrDeserialization is wrapped by every error returned by Decode
// and DecodeResponse.
var ErrDeserialization = errors.New("cannot deserialize message")

// A Message is one of *SessionInit, *MaaSRequest, *SchedulerRequest,
// or *Invalid.
type Message interface {
	EventType() EventType
}

// SessionInit asks for a new authenticated session.
type SessionInit struct {
	Username string `json:"username" mapstructure:"username"`
	Secret   string `json:"user_secret" mapstructure:"user_secret"`
}

func (*SessionInit) EventType() EventType { return EventSessionInit }

// MaaSRequest is a model-run request as submitted by a client,
// before the admission layer resolves it into a SchedulerRequest.
type MaaSRequest struct {
	SessionSecret string                 `json:"session_secret" mapstructure:"session_secret"`
	Version       float64                `json:"version" mapstructure:"version"`
	Output        string                 `json:"output" mapstructure:"output"`
	Parameters    map[string]interface{} `json:"parameters" mapstructure:"parameters"`
}

func (*MaaSRequest) EventType() EventType { return EventMaaSRequest }

// SchedulerRequest is a resolved job request.
type SchedulerRequest struct {
	UserID   string       `json:"user_id" mapstructure:"user_id"`
	CPUs     int          `json:"cpus" mapstructure:"cpus"`
	Memory   nwm.ByteSize `json:"mem" mapstructure:"mem"`
	Domain   string       `json:"domain" mapstructure:"domain"`
	Image    string       `json:"image" mapstructure:"image"`
	Strategy string       `json:"strategy,omitempty" mapstructure:"strategy"`
}

func (*SchedulerRequest) EventType() EventType { return EventSchedulerRequest }

// JobRequest returns the request in the form consumed by the
// scheduler.
func (sr *SchedulerRequest) JobRequest() nwm.JobRequest {
	return nwm.JobRequest{
		UserID:   sr.UserID,
		CPUs:     sr.CPUs,
		Memory:   sr.Memory,
		Domain:   sr.Domain,
		Image:    sr.Image,
		Strategy: sr.Strategy,
	}
}

func (sr *SchedulerRequest) validate() error {
	switch {
	case sr.UserID == "":
		return errors.New("user_id is required")
	case sr.CPUs < 1:
		return fmt.Errorf("cpus must be positive, got %d", sr.CPUs)
	case sr.Memory < 0:
		return fmt.Errorf("mem must not be negative, got %d", sr.Memory)
	case sr.Domain == "":
		return errors.New("domain is required")
	case sr.Image == "":
		return errors.New("image is required")
	}
	return nil
}

// Invalid holds the content of a message that did not match any
// known variant.
type Invalid struct {
	Content map[string]interface{} `json:"content" mapstructure:"content"`
}

func (*Invalid) EventType() EventType { return EventInvalid }

// Response answers a message of type ResponseTo.
type Response struct {
	ResponseTo EventType   `json:"response_to"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data"`
}

// InvalidResponse returns the response to an Invalid message.
func InvalidResponse(data interface{}) Response {
	return Response{
		ResponseTo: EventInvalid,
		Success:    false,
		Reason:     "Invalid Request Message",
		Message:    "Request message was not formatted as any known valid type",
		Data:       data,
	}
}

// MarshalJSON adds the event_type field.
func (r Response) MarshalJSON() ([]byte, error) {
	type response Response
	data := r.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(struct {
		EventType EventType `json:"event_type"`
		response
		Data interface{} `json:"data"`
	}{r.ResponseTo, response(r), data})
}

// Encode returns a generic payload for msg, including its
// event_type discriminator.
func Encode(msg Message) (map[string]interface{}, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	err = json.Unmarshal(buf, &payload)
	if err != nil {
		return nil, err
	}
	payload["event_type"] = int(msg.EventType())
	return payload, nil
}

// Decode returns the message variant selected by the payload's
// event_type. Unknown fields are rejected. A payload with
// event_type INVALID decodes to *Invalid.
func Decode(payload map[string]interface{}) (Message, error) {
	et, err := eventTypeOf(payload, "event_type")
	if err != nil {
		return nil, err
	}
	var msg Message
	switch et {
	case EventSessionInit:
		msg = &SessionInit{}
	case EventMaaSRequest:
		msg = &MaaSRequest{}
	case EventSchedulerRequest:
		msg = &SchedulerRequest{}
	case EventInvalid:
		msg = &Invalid{}
	default:
		return nil, errors.Wrapf(ErrDeserialization, "unknown event_type %d", int(et))
	}
	if err := decodeInto(payload, msg); err != nil {
		return nil, err
	}
	if sr, ok := msg.(*SchedulerRequest); ok {
		if err := sr.validate(); err != nil {
			return nil, errors.Wrapf(ErrDeserialization, "%s: %s", et, err)
		}
	}
	return msg, nil
}

// DecodeResponse decodes a response payload. The response_to field
// must name a known event type.
func DecodeResponse(payload map[string]interface{}) (Response, error) {
	var resp Response
	et, err := eventTypeOf(payload, "response_to")
	if err != nil {
		return resp, err
	}
	if _, ok := eventTypeNames[et]; !ok {
		return resp, errors.Wrapf(ErrDeserialization, "unknown response_to %d", int(et))
	}
	var fields struct {
		Success *bool       `mapstructure:"success"`
		Reason  *string     `mapstructure:"reason"`
		Message string      `mapstructure:"message"`
		Data    interface{} `mapstructure:"data"`
	}
	if err := decodeInto(payload, &fields); err != nil {
		return resp, err
	}
	if fields.Success == nil || fields.Reason == nil {
		return resp, errors.Wrap(ErrDeserialization, "response requires success and reason")
	}
	return Response{
		ResponseTo: et,
		Success:    *fields.Success,
		Reason:     *fields.Reason,
		Message:    fields.Message,
		Data:       fields.Data,
	}, nil
}

func eventTypeOf(payload map[string]interface{}, key string) (EventType, error) {
	if payload == nil {
		return 0, errors.Wrap(ErrDeserialization, "empty payload")
	}
	v, ok := payload[key]
	if !ok {
		return 0, errors.Wrapf(ErrDeserialization, "missing %s", key)
	}
	switch v := v.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, errors.Wrapf(ErrDeserialization, "%s %v is not an integer", key, v)
		}
		return EventType(int(v)), nil
	case int:
		return EventType(v), nil
	case string:
		for et, name := range eventTypeNames {
			if name == v {
				return et, nil
			}
		}
		return 0, errors.Wrapf(ErrDeserialization, "unknown %s %q", key, v)
	default:
		return 0, errors.Wrapf(ErrDeserialization, "%s has type %T", key, v)
	}
}

var byteSizeType = reflect.TypeOf(nwm.ByteSize(0))

// stringToByteSize lets "mem" be given as "5G" as well as a number
// of bytes.
func stringToByteSize(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != byteSizeType || from.Kind() != reflect.String {
		return data, nil
	}
	var n nwm.ByteSize
	err := n.Set(data.(string))
	return n, err
}

func decodeInto(payload map[string]interface{}, dst interface{}) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: stringToByteSize,
		Metadata:   &md,
		Result:     dst,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(payload); err != nil {
		return errors.Wrap(ErrDeserialization, err.Error())
	}
	for _, key := range md.Unused {
		if key != "event_type" && key != "response_to" {
			return errors.Wrapf(ErrDeserialization, "unexpected field %q", key)
		}
	}
	return nil
}
