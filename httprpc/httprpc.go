// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package httprpc exposes a cablerpc.Dispatcher as an HTTP service.
//
// The edge server calls the service with a POST to a path whose last
// segment names the method (connect, disconnect, or command). The request
// body is the JSON encoding of the request, and a successful reply carries
// the JSON encoding of the response. Headers of the form
// X-AnyCable-Meta-<Key> become call metadata under the lower-cased key,
// with dashes replaced by underscores.
package httprpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/creachadair/cablerpc"
	"github.com/juju/loggo"
	"golang.org/x/sync/semaphore"
)

// MetaHeaderPrefix is the prefix of headers that carry call metadata.
const MetaHeaderPrefix = "X-Anycable-Meta-"

// Defaults for Options.
const (
	DefaultPoolSize    = 30
	DefaultMaxBodySize = 4 << 20
)

// Options are optional settings for a Handler. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// Secret, if set, must be presented by callers as a bearer token.
	Secret string

	// PoolSize bounds the number of calls executed at once. If zero,
	// DefaultPoolSize is used.
	PoolSize int

	// MaxBodySize bounds the size of a request body. If zero,
	// DefaultMaxBodySize is used.
	MaxBodySize int64

	// Logger is used for diagnostic output. If zero, nothing is logged.
	Logger loggo.Logger
}

func (o *Options) secret() string {
	if o == nil {
		return ""
	}
	return o.Secret
}

func (o *Options) poolSize() int64 {
	if o == nil || o.PoolSize <= 0 {
		return DefaultPoolSize
	}
	return int64(o.PoolSize)
}

func (o *Options) maxBodySize() int64 {
	if o == nil || o.MaxBodySize <= 0 {
		return DefaultMaxBodySize
	}
	return o.MaxBodySize
}

func (o *Options) logger() loggo.Logger {
	if o == nil || o.Logger == (loggo.Logger{}) {
		return cablerpc.Discard()
	}
	return o.Logger
}

// Handler is an http.Handler that serves RPC calls.
type Handler struct {
	disp    *cablerpc.Dispatcher
	secret  string
	pool    *semaphore.Weighted
	maxBody int64
	log     loggo.Logger
}

// New constructs a Handler that executes calls with disp. The middleware
// chain of disp is frozen.
func New(disp *cablerpc.Dispatcher, opts *Options) *Handler {
	disp.Freeze()
	return &Handler{
		disp:    disp,
		secret:  opts.secret(),
		pool:    semaphore.NewWeighted(opts.poolSize()),
		maxBody: opts.maxBodySize(),
		log:     opts.logger(),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if h.secret != "" && !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	m, err := cablerpc.ParseMethod(path.Base(r.URL.Path))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Reading request body: %v", err), http.StatusBadRequest)
		return
	} else if len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusUnprocessableEntity)
		return
	} else if int64(len(body)) > h.maxBody {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	req, _ := cablerpc.NewRequest(m)
	if err := json.Unmarshal(body, req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusUnprocessableEntity)
		return
	}

	if err := h.pool.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "Request canceled", http.StatusServiceUnavailable)
		return
	}
	rsp := h.disp.Call(r.Context(), &cablerpc.Call{Request: req, Meta: Meta(r.Header)})
	h.pool.Release(1)

	bits, err := json.Marshal(rsp)
	if err != nil {
		h.log.Errorf("encode %s response: %v", m, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bits)
}

func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get("Authorization")
	want := "Bearer " + h.secret
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Meta extracts call metadata from the meta headers in hdr.
func Meta(hdr http.Header) cablerpc.Meta {
	meta := make(cablerpc.Meta)
	for key, vs := range hdr {
		if len(vs) == 0 || len(key) <= len(MetaHeaderPrefix) {
			continue
		}
		if !strings.EqualFold(key[:len(MetaHeaderPrefix)], MetaHeaderPrefix) {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(key[len(MetaHeaderPrefix):]), "-", "_")
		meta[name] = vs[0]
	}
	return meta
}
