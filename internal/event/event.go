// Package event defines the post lifecycle events pushed to live connections.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/feedrelay/internal/data"
)

// Type identifies an event kind on the wire.
type Type string

const (
	TypePostCreated     Type = "post_created"
	TypePostUpdated     Type = "post_updated"
	TypePostDeleted     Type = "post_deleted"
	TypeReactionUpdated Type = "reaction_updated"
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrInvalid     = errors.New("invalid event")
)

// Event is one of PostCreated, PostUpdated, PostDeleted or ReactionUpdated.
type Event interface {
	Type() Type
	PostID() string
	isEvent()
}

type PostCreated struct {
	Post data.Post `json:"post"`
}

type PostUpdated struct {
	Post data.Post `json:"post"`
}

type PostDeleted struct {
	ID string `json:"-"`
}

type ReactionUpdated struct {
	ID       string `json:"-"`
	Reaction string `json:"reaction"`
	Count    int64  `json:"count"`
}

func (PostCreated) Type() Type     { return TypePostCreated }
func (PostUpdated) Type() Type     { return TypePostUpdated }
func (PostDeleted) Type() Type     { return TypePostDeleted }
func (ReactionUpdated) Type() Type { return TypeReactionUpdated }

func (e PostCreated) PostID() string     { return e.Post.ID }
func (e PostUpdated) PostID() string     { return e.Post.ID }
func (e PostDeleted) PostID() string     { return e.ID }
func (e ReactionUpdated) PostID() string { return e.ID }

func (PostCreated) isEvent()     {}
func (PostUpdated) isEvent()     {}
func (PostDeleted) isEvent()     {}
func (ReactionUpdated) isEvent() {}

// Envelope is the JSON shape sent to clients.
type Envelope struct {
	Type    Type            `json:"type" msgpack:"t"`
	PostID  string          `json:"postId,omitempty" msgpack:"p"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"d"`
}

// Wrap converts an event to its envelope.
func Wrap(e Event) (Envelope, error) {
	env := Envelope{Type: e.Type(), PostID: e.PostID()}

	var payload any
	switch ev := e.(type) {
	case PostCreated:
		payload = ev
	case PostUpdated:
		payload = ev
	case PostDeleted:
		// postId carries everything
	case ReactionUpdated:
		payload = ev
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Unwrap converts an envelope back into a typed event.
func Unwrap(env Envelope) (Event, error) {
	switch env.Type {
	case TypePostCreated:
		var ev PostCreated
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.Post.ID == "" {
			ev.Post.ID = env.PostID
		}
		return ev, nil
	case TypePostUpdated:
		var ev PostUpdated
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.Post.ID == "" {
			ev.Post.ID = env.PostID
		}
		return ev, nil
	case TypePostDeleted:
		if env.PostID == "" {
			return nil, fmt.Errorf("%w: %s without postId", ErrInvalid, env.Type)
		}
		return PostDeleted{ID: env.PostID}, nil
	case TypeReactionUpdated:
		var ev ReactionUpdated
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if env.PostID == "" {
			return nil, fmt.Errorf("%w: %s without postId", ErrInvalid, env.Type)
		}
		ev.ID = env.PostID
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalid, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalid, env.Type, err)
	}
	return nil
}

// Marshal encodes an event as the JSON text frame sent to clients.
func Marshal(e Event) ([]byte, error) {
	env, err := Wrap(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes a client-facing JSON frame.
func Unmarshal(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Unwrap(env)
}
