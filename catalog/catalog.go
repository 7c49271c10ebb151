// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from channel names to channel
// implementations, and routes channel commands from a cablerpc.Dispatcher
// to them.
//
// # Usage
//
// Construct a new empty catalog and add channels to it:
//
//	cat := catalog.New().
//	  Add("chat", chatChannel).
//	  Add("echo", echoChannel)
//
// A channel identifier is a JSON object whose "channel" field names the
// channel, for example {"channel":"chat","room":"42"}. The remaining fields
// are passed to the channel as parameters.
//
// Each Channel handles the "subscribe" and "unsubscribe" commands, and
// dispatches "message" commands to a named action:
//
//	chatChannel := &catalog.Channel{
//	  Subscribed: func(ctx context.Context, sub *catalog.Sub) (bool, error) {
//	    sub.StreamFrom("chat_" + sub.Param("room"))
//	    return true, nil
//	  },
//	}
//	chatChannel.Handle("speak", speak)
//
// A Catalog implements the Command method of cablerpc.Application, and the
// Disconnect method handles the channel side of a closed connection.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/creachadair/cablerpc"
)

var (
	// ErrUnknownChannel is reported for an identifier naming a channel that
	// is not in the catalog.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrUnknownAction is reported for a message naming an action the
	// channel does not handle.
	ErrUnknownAction = errors.New("unknown action")
)

// Commands defined by the channel protocol.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdMessage     = "message"
)

// An Action handles a message sent to a channel. The data are the complete
// message payload, including the "action" field.
type Action func(ctx context.Context, sub *Sub, data json.RawMessage) error

// A Channel implements the commands of a channel.
type Channel struct {
	// Subscribed is called when a client subscribes. It reports false to
	// reject the subscription. If nil, all subscriptions are accepted.
	Subscribed func(ctx context.Context, sub *Sub) (bool, error)

	// Unsubscribed is called after a client unsubscribes or disconnects.
	// All streams of the subscription are stopped before it is called.
	Unsubscribed func(ctx context.Context, sub *Sub) error

	actions map[string]Action
}

// Handle registers action as the handler for messages naming the given
// action, and returns ch to permit chaining. Passing a nil action removes
// any existing handler.
func (ch *Channel) Handle(name string, action Action) *Channel {
	if action == nil {
		delete(ch.actions, name)
		return ch
	}
	if ch.actions == nil {
		ch.actions = make(map[string]Action)
	}
	ch.actions[name] = action
	return ch
}

// Actions returns the names of the actions handled by ch, in order.
func (ch *Channel) Actions() []string {
	names := make([]string, 0, len(ch.actions))
	for name := range ch.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sub is the view of a single channel subscription during a call.
type Sub struct {
	*cablerpc.Session

	Identifier string         // the complete channel identifier
	Channel    string         // the name of the channel
	Params     map[string]any // the fields of the identifier
}

// Param returns the string value of the identifier field key, or "".
func (s *Sub) Param(key string) string {
	switch v := s.Params[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Send encodes v as JSON and transmits it to the client.
func (s *Sub) Send(v any) error {
	bits, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	s.Transmit(string(bits))
	return nil
}

// Reply transmits a protocol message of the given type for the
// subscription.
func (s *Sub) Reply(mtype string) {
	s.Send(struct {
		Identifier string `json:"identifier"`
		Type       string `json:"type"`
	}{Identifier: s.Identifier, Type: mtype})
}

// A Catalog associates channel names with channels.
type Catalog struct {
	channels map[string]*Channel
}

// New creates a new empty catalog. It is safe to copy the resulting value,
// all copies share a reference to the same mapping.
func New() Catalog { return Catalog{channels: make(map[string]*Channel)} }

// Add maps name to ch in c, and returns c to allow chaining. If name was
// already mapped in c, the existing mapping is replaced.
//
// It is not safe to call Add while c is used concurrently by other
// goroutines without external synchronization.
func (c Catalog) Add(name string, ch *Channel) Catalog {
	c.channels[name] = ch
	return c
}

// Lookup returns the channel mapped to name, or nil.
func (c Catalog) Lookup(name string) *Channel { return c.channels[name] }

// Names returns the names of the channels in c, in order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve parses identifier and returns the subscription for it in session
// s, along with its channel. It reports an error wrapping ErrUnknownChannel
// if the channel is not in c.
func (c Catalog) Resolve(s *cablerpc.Session, identifier string) (*Sub, *Channel, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(identifier), &params); err != nil {
		return nil, nil, fmt.Errorf("invalid channel identifier %q: %w", identifier, err)
	}
	name, _ := params["channel"].(string)
	ch, ok := c.channels[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return &Sub{Session: s, Identifier: identifier, Channel: name, Params: params}, ch, nil
}

// Command executes a channel command for session s. It implements the
// Command method of the cablerpc.Application interface.
//
// A rejected subscription transmits a rejection to the client and reports
// false. An unknown command or action reports an error.
func (c Catalog) Command(ctx context.Context, s *cablerpc.Session, identifier, command, data string) (bool, error) {
	sub, ch, err := c.Resolve(s, identifier)
	if err != nil {
		return false, err
	}
	switch command {
	case CmdSubscribe:
		ok := true
		if ch.Subscribed != nil {
			ok, err = ch.Subscribed(ctx, sub)
			if err != nil {
				return false, err
			}
		}
		if !ok {
			sub.Reply("reject_subscription")
			return false, nil
		}
		sub.Reply("confirm_subscription")
		return true, nil

	case CmdUnsubscribe:
		if err := ch.unsubscribe(ctx, sub); err != nil {
			return false, err
		}
		sub.Reply("confirm_unsubscribe")
		return true, nil

	case CmdMessage:
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return false, fmt.Errorf("invalid message data: %w", err)
		}
		act, ok := ch.actions[msg.Action]
		if !ok {
			return false, fmt.Errorf("%w: %s#%s", ErrUnknownAction, sub.Channel, msg.Action)
		}
		if err := act(ctx, sub, json.RawMessage(data)); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, cablerpc.UnknownCommand(command)
	}
}

// Disconnect runs the unsubscribe hooks of each subscription in session s
// after its connection was closed. Subscriptions to channels not in c are
// skipped. Errors from all the hooks are joined.
func (c Catalog) Disconnect(ctx context.Context, s *cablerpc.Session, subscriptions []string) error {
	var errs []error
	for _, id := range subscriptions {
		sub, ch, err := c.Resolve(s, id)
		if errors.Is(err, ErrUnknownChannel) {
			continue
		} else if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, ch.unsubscribe(ctx, sub))
	}
	return errors.Join(errs...)
}

func (ch *Channel) unsubscribe(ctx context.Context, sub *Sub) error {
	sub.StopAllStreams()
	if ch.Unsubscribed != nil {
		return ch.Unsubscribed(ctx, sub)
	}
	return nil
}
