// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azuretesting provides test doubles for driving the real
// Azure SDK clients against canned HTTP responses.
package azuretesting

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
)

// MockSender is a policy.Transporter that replays a queue of canned
// responses, recording the requests it handles.
type MockSender struct {
	// PathPattern, when non-empty, restricts the sender to requests
	// whose URL path matches the pattern. Senders uses it to route
	// requests between multiple senders.
	PathPattern string

	mu        sync.Mutex
	responses []*mockResponse
	requests  []*http.Request
}

type mockResponse struct {
	status string
	code   int
	header http.Header
	body   []byte
	repeat int
}

// NewResponseWithContent returns a 200 response carrying the given
// JSON content.
func NewResponseWithContent(content string) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(content))),
		ContentLength: int64(len(content)),
	}
}

// NewResponseWithStatus returns a bodyless response with the given
// status line and code.
func NewResponseWithStatus(status string, code int) *http.Response {
	return &http.Response{
		Status:        status,
		StatusCode:    code,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(nil)),
		ContentLength: 0,
	}
}

// AppendResponse appends a response to the sender's queue.
func (s *MockSender) AppendResponse(resp *http.Response) {
	s.AppendAndRepeatResponse(resp, 1)
}

// AppendAndRepeatResponse appends a response to the sender's queue, to
// be returned for the next n matching requests.
func (s *MockSender) AppendAndRepeatResponse(resp *http.Response, n int) {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, &mockResponse{
		status: resp.Status,
		code:   resp.StatusCode,
		header: resp.Header,
		body:   body,
		repeat: n,
	})
}

// HasResponses reports whether the sender still has responses queued.
func (s *MockSender) HasResponses() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses) > 0
}

// Requests returns the requests handled by this sender, in order.
func (s *MockSender) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// Do implements policy.Transporter.
func (s *MockSender) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("mock sender: no response for %s %s", req.Method, req.URL.Path)
	}
	s.requests = append(s.requests, req)
	next := s.responses[0]
	next.repeat--
	if next.repeat <= 0 {
		s.responses = s.responses[1:]
	}
	header := make(http.Header, len(next.header))
	for k, v := range next.header {
		header[k] = v
	}
	return &http.Response{
		Status:        next.status,
		StatusCode:    next.code,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(next.body)),
		ContentLength: int64(len(next.body)),
		Request:       req,
	}, nil
}

func (s *MockSender) matches(path string) bool {
	if s.PathPattern == "" {
		return true
	}
	matched, err := regexp.MatchString(s.PathPattern, path)
	return err == nil && matched
}

// Senders is a policy.Transporter that dispatches each request to the
// first queued sender whose path pattern matches and which still has
// responses, recording the overall request order.
type Senders struct {
	mu       sync.Mutex
	senders  []*MockSender
	requests []*http.Request
}

// Append adds senders to the dispatch list.
func (s *Senders) Append(senders ...*MockSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders = append(s.senders, senders...)
}

// Requests returns every request seen, in the order it arrived.
func (s *Senders) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// Do implements policy.Transporter.
func (s *Senders) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var sender *MockSender
	for _, candidate := range s.senders {
		if candidate.HasResponses() && candidate.matches(req.URL.Path) {
			sender = candidate
			break
		}
	}
	s.mu.Unlock()
	if sender == nil {
		return nil, fmt.Errorf("no sender for %s %s", req.Method, req.URL.Path)
	}
	return sender.Do(req)
}
