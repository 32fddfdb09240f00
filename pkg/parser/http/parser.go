// Copyright (c) 2024 The Evmux Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http parses HTTP/1.x request and response heads in place.
//
// Nothing is copied: every field of a Message is a view into the buffer
// passed to Parse, valid until that buffer is modified.
package http

import (
	"bytes"
	"fmt"
	"strconv"

	errorx "github.com/evmux/evmux/pkg/errors"
)

// MaxHeaders is the maximum number of headers kept per message, the rest of
// the header block is ignored.
const MaxHeaders = 30

// Header is one parsed header line.
type Header struct {
	Name  []byte
	Value []byte
}

// Message is a parsed HTTP request or response.
//
// For a response Method holds the protocol, URI holds the status code and
// Proto holds the reason phrase.
type Message struct {
	Method []byte
	URI    []byte
	Query  []byte
	Proto  []byte
	Head   []byte
	Body   []byte

	// BodyLen is the declared body length, -1 when the body ends with the
	// connection.
	BodyLen int

	headers  [MaxHeaders]Header
	nHeaders int
}

// Headers returns the parsed headers in the order they appeared.
func (m *Message) Headers() []Header {
	return m.headers[:m.nHeaders]
}

// Header returns the value of the first header matching name
// case-insensitively, nil if there is none.
func (m *Message) Header(name string) []byte {
	for i := 0; i < m.nHeaders; i++ {
		if len(m.headers[i].Name) == len(name) && bytes.EqualFold(m.headers[i].Name, []byte(name)) {
			return m.headers[i].Value
		}
	}
	return nil
}

// IsResponse tells whether the first line was a status line.
func (m *Message) IsResponse() bool {
	return len(m.Method) >= 5 && bytes.EqualFold(m.Method[:5], []byte("HTTP/"))
}

// Status returns the status code of a response, 0 for a request.
func (m *Message) Status() int {
	if !m.IsResponse() {
		return 0
	}
	code, _ := strconv.Atoi(string(m.URI))
	return code
}

// IsChunked tells whether the body uses chunked transfer coding.
func (m *Message) IsChunked() bool {
	return bytes.EqualFold(bytes.TrimSpace(m.Header("Transfer-Encoding")), []byte("chunked"))
}

// Reset clears every field.
func (m *Message) Reset() {
	*m = Message{}
}

func isok(c byte) bool {
	return c == '\n' || c == '\r' || c >= ' '
}

// HeadLen returns the length of the header block including the terminating
// empty line, 0 when the block is not complete yet.
func HeadLen(buf []byte) (int, error) {
	for i, c := range buf {
		if !isok(c) {
			return 0, fmt.Errorf("%w: control character in http head", errorx.ErrMalformedMessage)
		}
		if c != '\n' || i == 0 {
			continue
		}
		if buf[i-1] == '\n' || (i > 2 && buf[i-1] == '\r' && buf[i-2] == '\n') {
			return i + 1, nil
		}
	}
	return 0, nil
}

// clen returns the byte length of the token character at s[0], 0 if it is
// a separator. Multi-byte UTF-8 sequences count as token characters.
func clen(s []byte) int {
	c := s[0]
	switch {
	case c > ' ' && c <= '~':
		return 1
	case c&0xe0 == 0xc0:
		return 2
	case c&0xf0 == 0xe0:
		return 3
	case c&0xf8 == 0xf0:
		return 4
	}
	return 0
}

func token(s []byte) (tok, rest []byte) {
	i := 0
	for i < len(s) {
		n := clen(s[i:])
		if n == 0 {
			break
		}
		i += n
	}
	if i > len(s) {
		i = len(s)
	}
	return s[:i], s[i:]
}

func skipSpaces(s []byte) []byte {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}

// line splits s at the next line ending, accepting both CRLF and LF.
func line(s []byte) (ln, rest []byte, ok bool) {
	i := bytes.IndexByte(s, '\n')
	if i < 0 {
		return nil, nil, false
	}
	ln, rest = s[:i], s[i+1:]
	if n := len(ln); n > 0 && ln[n-1] == '\r' {
		ln = ln[:n-1]
	}
	if bytes.IndexByte(ln, '\r') >= 0 {
		return nil, nil, false
	}
	return ln, rest, true
}

// Parse parses the head at the start of buf into m. It returns the length of
// the header block, or 0 when more data is needed. m.Body is set to the part
// of the body already present in buf, truncated to BodyLen when known.
func Parse(buf []byte, m *Message) (int, error) {
	m.Reset()
	n, err := HeadLen(buf)
	if n <= 0 || err != nil {
		return 0, err
	}
	m.Head = buf[:n]
	s := buf[:n]

	m.Method, s = token(s)
	s = skipSpaces(s)
	m.URI, s = token(s)
	s = skipSpaces(s)
	var ok bool
	if m.Proto, s, ok = line(s); !ok {
		return 0, fmt.Errorf("%w: bad http first line", errorx.ErrMalformedMessage)
	}
	if i := bytes.IndexByte(m.URI, '?'); i >= 0 {
		m.Query = m.URI[i+1:]
		m.URI = m.URI[:i]
	}
	if len(m.Method) == 0 || len(m.URI) == 0 {
		return 0, fmt.Errorf("%w: empty http method or uri", errorx.ErrMalformedMessage)
	}
	if err = m.parseHeaders(s); err != nil {
		return 0, err
	}

	m.BodyLen = -1
	if cl := m.Header("Content-Length"); cl != nil {
		v, err := strconv.ParseUint(string(bytes.TrimSpace(cl)), 10, 63)
		if err != nil {
			return 0, fmt.Errorf("%w: bad content-length %q", errorx.ErrMalformedMessage, cl)
		}
		m.BodyLen = int(v)
	}
	if m.BodyLen < 0 {
		if !m.IsResponse() {
			m.BodyLen = 0
		} else if code := m.Status(); code/100 == 1 || code == 204 || code == 304 {
			m.BodyLen = 0
		}
	}

	m.Body = buf[n:]
	if m.BodyLen >= 0 && len(m.Body) > m.BodyLen {
		m.Body = m.Body[:m.BodyLen]
	}
	return n, nil
}

func (m *Message) parseHeaders(s []byte) error {
	for len(s) > 0 && m.nHeaders < MaxHeaders {
		if s[0] == '\n' || (len(s) > 1 && s[0] == '\r' && s[1] == '\n') {
			break
		}
		i := 0
		for i < len(s) && s[i] != ':' {
			n := clen(s[i:])
			if n == 0 {
				break
			}
			i += n
		}
		if i == 0 || i >= len(s) || s[i] != ':' {
			return fmt.Errorf("%w: bad http header", errorx.ErrMalformedMessage)
		}
		name := s[:i]
		v, rest, ok := line(skipSpaces(s[i+1:]))
		if !ok {
			return fmt.Errorf("%w: bad http header value", errorx.ErrMalformedMessage)
		}
		m.headers[m.nHeaders] = Header{Name: name, Value: bytes.TrimRight(v, " ")}
		m.nHeaders++
		s = rest
	}
	return nil
}
