package httpshim_test

import (
	"strings"
	"testing"

	"github.com/momentics/corosched/httpshim"
)

func TestParserRequestSimple(t *testing.T) {
	var method, url string
	var headers [][2]string
	var body []byte
	var field string
	done := false

	p := httpshim.New(httpshim.TypeRequest, httpshim.Callbacks{
		OnURL: func(b []byte) { url = string(b) },
		OnHeaderField: func(b []byte) {
			field = string(b)
		},
		OnHeaderValue: func(b []byte) {
			headers = append(headers, [2]string{field, string(b)})
		},
		OnBody: func(b []byte) { body = append(body, b...) },
		OnMessageComplete: func() {
			done = true
		},
	})

	raw := "POST /echo HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	n, err := p.Execute([]byte(raw))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("consumed %d want %d", n, len(raw))
	}
	if !done {
		t.Fatal("OnMessageComplete never fired")
	}
	_ = method
	if url != "/echo" {
		t.Fatalf("url=%q", url)
	}
	if string(body) != "hello" {
		t.Fatalf("body=%q", body)
	}
	found := false
	for _, h := range headers {
		if strings.EqualFold(h[0], "host") && h[1] == "example.com" {
			found = true
		}
	}
	if !found {
		t.Fatalf("host header not captured: %v", headers)
	}
}

func TestParserFedByteAtATime(t *testing.T) {
	done := false
	var body []byte
	p := httpshim.New(httpshim.TypeRequest, httpshim.Callbacks{
		OnBody:            func(b []byte) { body = append(body, b...) },
		OnMessageComplete: func() { done = true },
	})
	raw := []byte("GET / HTTP/1.0\r\nContent-Length: 2\r\n\r\nhi")
	for _, c := range raw {
		if _, err := p.Execute([]byte{c}); err != nil {
			t.Fatalf("Execute byte %q: %v", c, err)
		}
	}
	if !done {
		t.Fatal("OnMessageComplete never fired when fed one byte at a time")
	}
	if string(body) != "hi" {
		t.Fatalf("body=%q", body)
	}
}

func TestParserChunkedBody(t *testing.T) {
	var body []byte
	var chunkSizes []int64
	chunksDone := 0
	done := false
	p := httpshim.New(httpshim.TypeRequest, httpshim.Callbacks{
		OnBody:          func(b []byte) { body = append(body, b...) },
		OnChunkHeader:   func(size int64) { chunkSizes = append(chunkSizes, size) },
		OnChunkComplete: func() { chunksDone++ },
		OnMessageComplete: func() {
			done = true
		},
	})
	raw := "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	if _, err := p.Execute([]byte(raw)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !done {
		t.Fatal("OnMessageComplete never fired for chunked body")
	}
	if string(body) != "Wikipedia" {
		t.Fatalf("body=%q", body)
	}
	if chunksDone != 2 {
		t.Fatalf("chunksDone=%d want 2", chunksDone)
	}
	if len(chunkSizes) != 3 || chunkSizes[2] != 0 {
		t.Fatalf("chunkSizes=%v", chunkSizes)
	}
}

func TestParserResponseStatusLine(t *testing.T) {
	var status []byte
	done := false
	p := httpshim.New(httpshim.TypeResponse, httpshim.Callbacks{
		OnStatus:          func(b []byte) { status = b },
		OnMessageComplete: func() { done = true },
	})
	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	if _, err := p.Execute([]byte(raw)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !done {
		t.Fatal("OnMessageComplete never fired")
	}
	if string(status) != "Not Found" {
		t.Fatalf("status=%q", status)
	}
	if p.StatusCode != 404 {
		t.Fatalf("StatusCode=%d", p.StatusCode)
	}
}
