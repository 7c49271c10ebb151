// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package stream provides signed stream names.
//
// A signed stream name lets a client subscribe to a stream chosen by the
// server without being able to forge names of other streams. The signed
// form of a name is the base64url encoding of its JSON form, followed by
// "--" and the hex-encoded HMAC-SHA256 of the encoded part.
package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidSignature is reported when a signed stream name does not verify.
var ErrInvalidSignature = errors.New("invalid stream signature")

const separator = "--"

// A Signer signs and verifies stream names with a secret key.
type Signer struct {
	key []byte
}

// NewSigner constructs a Signer using the given secret. It panics if the
// secret is empty.
func NewSigner(secret string) *Signer {
	if secret == "" {
		panic("empty stream signing secret")
	}
	return &Signer{key: []byte(secret)}
}

// Sign returns the signed form of name.
func (s *Signer) Sign(name string) string {
	bits, _ := json.Marshal(name) // a string always encodes
	enc := base64.URLEncoding.EncodeToString(bits)
	return enc + separator + s.digest(enc)
}

// Verify checks the signature of signed and returns the stream name it
// carries. It reports ErrInvalidSignature if the signature does not match.
func (s *Signer) Verify(signed string) (string, error) {
	i := strings.LastIndex(signed, separator)
	if i <= 0 {
		return "", ErrInvalidSignature
	}
	enc, sig := signed[:i], signed[i+len(separator):]
	want, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrInvalidSignature
	}
	got, _ := hex.DecodeString(s.digest(enc))
	if !hmac.Equal(got, want) {
		return "", ErrInvalidSignature
	}
	bits, err := base64.URLEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrInvalidSignature
	}
	var name string
	if err := json.Unmarshal(bits, &name); err != nil {
		return "", ErrInvalidSignature
	}
	return name, nil
}

func (s *Signer) digest(data string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
