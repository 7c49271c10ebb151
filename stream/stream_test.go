// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/cablerpc/stream"
	"github.com/creachadair/mds/mtest"
)

func TestSigner(t *testing.T) {
	s := stream.NewSigner("s3cr3t")

	for _, name := range []string{"chat_42", "", "with--separator", "ünïcode"} {
		signed := s.Sign(name)
		got, err := s.Verify(signed)
		if err != nil {
			t.Errorf("Verify(%q): unexpected error: %v", signed, err)
		} else if got != name {
			t.Errorf("Verify(%q): got %q, want %q", signed, got, name)
		}
	}

	signed := s.Sign("chat_42")
	enc, sig, ok := strings.Cut(signed, "--")
	if !ok {
		t.Fatalf("Sign: missing separator in %q", signed)
	}
	other := stream.NewSigner("other")

	tests := []struct {
		name  string
		input string
		v     *stream.Signer
	}{
		{"Empty", "", s},
		{"NoSignature", enc, s},
		{"BadHex", enc + "--zz", s},
		{"Tampered", enc + "--" + strings.Repeat("0", len(sig)), s},
		{"WrongKey", signed, other},
		{"OtherPayload", "bm90IGpzb24=--" + sig, s},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.v.Verify(tc.input)
			if !errors.Is(err, stream.ErrInvalidSignature) {
				t.Errorf("Verify(%q): got %q, %v; want %v", tc.input, got, err, stream.ErrInvalidSignature)
			}
		})
	}

	t.Run("EmptySecret", func(t *testing.T) {
		mtest.MustPanic(t, func() { stream.NewSigner("") })
	})
}
