// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package grpcrpc

import (
	"fmt"
	"slices"

	"github.com/creachadair/cablerpc"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// Codec is a gRPC codec that encodes the cablerpc request and response
// types in the protocol buffer wire format of the anycable.RPC service.
// Other protocol buffer messages, such as those of the health service, are
// encoded with the proto package.
type Codec struct{}

// Name implements part of the encoding.Codec interface. It reports "proto",
// since the wire format is compatible with generated messages.
func (Codec) Name() string { return "proto" }

// Marshal implements part of the encoding.Codec interface.
func (Codec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case *cablerpc.ConnectionRequest:
		return appendConnectionRequest(nil, t), nil
	case *cablerpc.ConnectionResponse:
		return appendConnectionResponse(nil, t), nil
	case *cablerpc.DisconnectRequest:
		return appendDisconnectRequest(nil, t), nil
	case *cablerpc.DisconnectResponse:
		return appendDisconnectResponse(nil, t), nil
	case *cablerpc.CommandMessage:
		return appendCommandMessage(nil, t), nil
	case *cablerpc.CommandResponse:
		return appendCommandResponse(nil, t), nil
	case proto.Message:
		return proto.Marshal(t)
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

// Unmarshal implements part of the encoding.Codec interface.
func (Codec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *cablerpc.ConnectionRequest:
		*t = cablerpc.ConnectionRequest{}
		return fields(data, func(f field) error {
			if f.num == 3 {
				env, err := decodeEnv(f.bytes)
				t.Env = env
				return err
			}
			return nil
		})
	case *cablerpc.ConnectionResponse:
		*t = cablerpc.ConnectionResponse{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1:
				t.Status = cablerpc.Status(f.varint)
			case 2:
				t.Identifiers = string(f.bytes)
			case 3:
				t.Transmissions = append(t.Transmissions, string(f.bytes))
			case 4:
				t.ErrorMsg = string(f.bytes)
			case 5:
				env, err := decodeEnvResponse(f.bytes)
				t.Env = env
				return err
			}
			return nil
		})
	case *cablerpc.DisconnectRequest:
		*t = cablerpc.DisconnectRequest{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1:
				t.Identifiers = string(f.bytes)
			case 2:
				t.Subscriptions = append(t.Subscriptions, string(f.bytes))
			case 5:
				env, err := decodeEnv(f.bytes)
				t.Env = env
				return err
			}
			return nil
		})
	case *cablerpc.DisconnectResponse:
		*t = cablerpc.DisconnectResponse{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1:
				t.Status = cablerpc.Status(f.varint)
			case 2:
				t.ErrorMsg = string(f.bytes)
			}
			return nil
		})
	case *cablerpc.CommandMessage:
		*t = cablerpc.CommandMessage{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1:
				t.Command = string(f.bytes)
			case 2:
				t.Identifier = string(f.bytes)
			case 3:
				t.ConnectionIdentifiers = string(f.bytes)
			case 4:
				t.Data = string(f.bytes)
			case 5:
				env, err := decodeEnv(f.bytes)
				t.Env = env
				return err
			}
			return nil
		})
	case *cablerpc.CommandResponse:
		*t = cablerpc.CommandResponse{}
		return fields(data, func(f field) error {
			switch f.num {
			case 1:
				t.Status = cablerpc.Status(f.varint)
			case 2:
				t.Disconnect = f.varint != 0
			case 3:
				t.StopStreams = f.varint != 0
			case 4:
				t.Streams = append(t.Streams, string(f.bytes))
			case 5:
				t.Transmissions = append(t.Transmissions, string(f.bytes))
			case 6:
				t.ErrorMsg = string(f.bytes)
			case 7:
				env, err := decodeEnvResponse(f.bytes)
				t.Env = env
				return err
			case 8:
				t.StoppedStreams = append(t.StoppedStreams, string(f.bytes))
			}
			return nil
		})
	case proto.Message:
		return proto.Unmarshal(data, t)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
}

// Field encoders. Zero values are omitted, following proto3 rules.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendMap encodes m as a map<string, string> field, in key order so that
// the encoding is deterministic.
func appendMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, m[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func appendEnv(b []byte, num protowire.Number, env *cablerpc.Env) []byte {
	if env == nil {
		return b
	}
	var msg []byte
	msg = appendString(msg, 1, env.URL)
	msg = appendMap(msg, 2, env.Headers)
	msg = appendMap(msg, 3, env.CState)
	msg = appendMap(msg, 4, env.IState)
	return appendMessage(b, num, msg)
}

func appendEnvResponse(b []byte, num protowire.Number, env *cablerpc.EnvResponse) []byte {
	if env == nil {
		return b
	}
	var msg []byte
	msg = appendMap(msg, 1, env.CState)
	msg = appendMap(msg, 2, env.IState)
	return appendMessage(b, num, msg)
}

func appendConnectionRequest(b []byte, m *cablerpc.ConnectionRequest) []byte {
	return appendEnv(b, 3, m.Env)
}

func appendConnectionResponse(b []byte, m *cablerpc.ConnectionResponse) []byte {
	b = appendVarint(b, 1, uint64(m.Status))
	b = appendString(b, 2, m.Identifiers)
	b = appendStrings(b, 3, m.Transmissions)
	b = appendString(b, 4, m.ErrorMsg)
	return appendEnvResponse(b, 5, m.Env)
}

func appendDisconnectRequest(b []byte, m *cablerpc.DisconnectRequest) []byte {
	b = appendString(b, 1, m.Identifiers)
	b = appendStrings(b, 2, m.Subscriptions)
	return appendEnv(b, 5, m.Env)
}

func appendDisconnectResponse(b []byte, m *cablerpc.DisconnectResponse) []byte {
	b = appendVarint(b, 1, uint64(m.Status))
	return appendString(b, 2, m.ErrorMsg)
}

func appendCommandMessage(b []byte, m *cablerpc.CommandMessage) []byte {
	b = appendString(b, 1, m.Command)
	b = appendString(b, 2, m.Identifier)
	b = appendString(b, 3, m.ConnectionIdentifiers)
	b = appendString(b, 4, m.Data)
	return appendEnv(b, 5, m.Env)
}

func appendCommandResponse(b []byte, m *cablerpc.CommandResponse) []byte {
	b = appendVarint(b, 1, uint64(m.Status))
	b = appendBool(b, 2, m.Disconnect)
	b = appendBool(b, 3, m.StopStreams)
	b = appendStrings(b, 4, m.Streams)
	b = appendStrings(b, 5, m.Transmissions)
	b = appendString(b, 6, m.ErrorMsg)
	b = appendEnvResponse(b, 7, m.Env)
	return appendStrings(b, 8, m.StoppedStreams)
}

// A field is a single decoded field of a message. Fields of wire types other
// than varint and bytes are skipped.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// fields calls visit for each field of the encoded message b, in order.
func fields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

// decodeMapEntry decodes a map<string, string> entry into m.
func decodeMapEntry(m *map[string]string, b []byte) error {
	var key, val string
	if err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			key = string(f.bytes)
		case 2:
			val = string(f.bytes)
		}
		return nil
	}); err != nil {
		return err
	}
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[key] = val
	return nil
}

func decodeEnv(b []byte) (*cablerpc.Env, error) {
	env := new(cablerpc.Env)
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			env.URL = string(f.bytes)
		case 2:
			return decodeMapEntry(&env.Headers, f.bytes)
		case 3:
			return decodeMapEntry(&env.CState, f.bytes)
		case 4:
			return decodeMapEntry(&env.IState, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}

func decodeEnvResponse(b []byte) (*cablerpc.EnvResponse, error) {
	env := new(cablerpc.EnvResponse)
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			return decodeMapEntry(&env.CState, f.bytes)
		case 2:
			return decodeMapEntry(&env.IState, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode env response: %w", err)
	}
	return env, nil
}
