//go:build linux
// +build linux

// File: httpshim/message.go
// Author: momentics <momentics@gmail.com>
//
// Request/Response value objects built by a Parser's callbacks, plus a
// Session that drives the parser off a hooked socket read loop and knows
// how to serialize a Response back out. Grounded on sylar's http_session.cc
// (read-request/write-response framing) re-expressed over package hook's
// Read/Write instead of sylar's Socket::read/write.
package httpshim

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/momentics/corosched/hook"
	"github.com/momentics/corosched/netaddr"
)

// Header is a simple ordered-insensitive header map; HTTP header names are
// case-insensitive so lookups lowercase the key, but Keys() preserves
// first-seen insertion order for deterministic serialization.
type Header struct {
	values map[string][]string
	order  []string
}

func newHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

func (h *Header) key(k string) string { return strings.ToLower(k) }

// Add appends a value under key, preserving any existing values.
func (h *Header) Add(key, value string) {
	k := h.key(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = append(h.values[k], value)
}

// Set replaces every value under key with value.
func (h *Header) Set(key, value string) {
	k := h.key(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = []string{value}
}

// Get returns the first value stored under key, or "".
func (h *Header) Get(key string) string {
	vs := h.values[h.key(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Keys returns header names in first-seen insertion order.
func (h *Header) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Request is the accumulated result of parsing an HTTP request message.
type Request struct {
	Method  string
	URL     string
	Version string
	Header  *Header
	Body    []byte
}

// Response is a message to serialize back to a client, or the accumulated
// result of parsing one (for client-role use of this package).
type Response struct {
	StatusCode int
	Reason     string
	Version    string
	Header     *Header
	Body       []byte
}

// NewResponse builds a Response with sane defaults (HTTP/1.1, no headers).
func NewResponse(statusCode int, body []byte) *Response {
	return &Response{
		StatusCode: statusCode,
		Reason:     reasonPhrase(statusCode),
		Version:    "HTTP/1.1",
		Header:     newHeader(),
		Body:       body,
	}
}

func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// requestCallbacks wires a Parser's callback set to build up a Request
// incrementally, the equivalent of sylar's HttpRequestParser binding
// http_parser_settings to setters on an HttpRequest.
func requestCallbacks(req *Request) Callbacks {
	var field string
	return Callbacks{
		OnMessageBegin: func() {
			req.Header = newHeader()
		},
		OnURL: func(b []byte) {
			req.URL = string(b)
		},
		OnHeaderField: func(b []byte) {
			field = string(b)
		},
		OnHeaderValue: func(b []byte) {
			if field != "" {
				req.Header.Add(field, string(b))
			}
		},
		OnBody: func(b []byte) {
			req.Body = append(req.Body, b...)
		},
	}
}

func responseCallbacks(resp *Response) Callbacks {
	var field string
	return Callbacks{
		OnMessageBegin: func() {
			resp.Header = newHeader()
		},
		OnStatus: func(b []byte) {
			resp.Reason = string(b)
		},
		OnHeaderField: func(b []byte) {
			field = string(b)
		},
		OnHeaderValue: func(b []byte) {
			if field != "" {
				resp.Header.Add(field, string(b))
			}
		},
		OnBody: func(b []byte) {
			resp.Body = append(resp.Body, b...)
		},
	}
}

// Session drives a Parser off repeated hooked Reads from conn, accumulating
// one Request per RecvRequest call and keeping bytes read past that request
// for the next call on a keep-alive connection. It parses requests only; no
// method reads a Response.
// Grounded on sylar's HttpSession::recvRequest / HttpConnection::sendRequest
// framing, over package hook instead of sylar's Socket I/O.
type Session struct {
	Env  *hook.Env
	Conn *netaddr.Socket

	readBuf  []byte
	readLeft []byte
}

// NewSession wraps conn for request/response framing under e.
func NewSession(e *hook.Env, conn *netaddr.Socket) *Session {
	return &Session{Env: e, Conn: conn, readBuf: make([]byte, 64*1024)}
}

// fill reads more bytes from the connection when readLeft is exhausted.
func (s *Session) fill() error {
	if len(s.readLeft) > 0 {
		return nil
	}
	n, err := s.Conn.Recv(s.Env, s.readBuf)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("httpshim: connection closed by peer")
	}
	s.readLeft = s.readBuf[:n]
	return nil
}

// RecvRequest reads and parses one complete HTTP request, the equivalent
// of sylar's HttpSession::recvRequest.
func (s *Session) RecvRequest() (*Request, error) {
	req := &Request{Version: "HTTP/1.1", Header: newHeader()}
	p := New(TypeRequest, requestCallbacks(req))

	for {
		if err := s.fill(); err != nil {
			return nil, err
		}
		n, err := p.Execute(s.readLeft)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		s.readLeft = s.readLeft[n:]
		if p.st == stDone {
			req.Method = p.Method
			req.Version = p.Version
			return req, nil
		}
	}
}

// SendResponse serializes resp and writes it through the hooked write
// path, setting Content-Length automatically when absent.
func (s *Session) SendResponse(resp *Response) error {
	buf := marshalResponse(resp)
	_, err := s.Conn.Send(s.Env, buf)
	return err
}

func marshalResponse(resp *Response) []byte {
	if resp.Header.Get("Content-Length") == "" {
		resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", resp.Version, resp.StatusCode, resp.Reason)
	keys := resp.Header.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header.values[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	out := make([]byte, 0, b.Len()+len(resp.Body))
	out = append(out, b.String()...)
	out = append(out, resp.Body...)
	return out
}
