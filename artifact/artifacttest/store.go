// Package artifacttest provides an in-memory artifact store that follows
// the store contract, for use in tests.
package artifacttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const prefix = "/artifacts/"

// Request records one request received by the store.
type Request struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
}

// Store is an http.Handler backed by a map. It deliberately does not use
// http.ServeMux, which would clean ".." out of request paths before the
// traversal check could see them.
type Store struct {
	token string

	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	requests []Request
	failures []int
}

// New creates a store. A non-empty token makes the store require
// "Authorization: Bearer <token>".
func New(token string) *Store {
	return &Store{
		token:   token,
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put seeds an object under key ("{locator}/{path}").
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

// Get returns a stored object and its content type.
func (s *Store) Get(key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, s.types[key], ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Requests returns a copy of the request log.
func (s *Store) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// FailNext makes the next len(statuses) requests fail with the given codes.
func (s *Store) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.EscapedPath()

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          raw,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
	})
	var injected int
	if len(s.failures) > 0 {
		injected, s.failures = s.failures[0], s.failures[1:]
	}
	s.mu.Unlock()

	if injected != 0 {
		http.Error(w, http.StatusText(injected), injected)
		return
	}

	if !strings.HasPrefix(raw, prefix) {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(raw, prefix)

	if strings.Contains(key, "..") || strings.Contains(strings.ToLower(key), "%2e%2e") {
		http.Error(w, "path traversal rejected", http.StatusBadRequest)
		return
	}
	key, err := url.PathUnescape(key)
	if err != nil {
		http.Error(w, "malformed path", http.StatusBadRequest)
		return
	}

	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, _, ok := s.Get(key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	case http.MethodPut, http.MethodPost:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.objects[key] = data
		s.types[key] = r.Header.Get("Content-Type")
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"locator": key})
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
