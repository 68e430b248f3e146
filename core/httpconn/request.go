// Package httpconn implements the per-connection HTTP/1.1 state
// machine: Parser turns bytes off the wire into a Request, Responder
// turns a Request into bytes back onto the wire, and Conn binds both
// to a socket fd. Unlike a parser that assumes a whole request is
// already buffered, this one is restartable: a request arriving split
// across an arbitrary number of reads resumes parsing where it left
// off instead of starting over.
package httpconn

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nullsock/tinyserver/core/buffer"
	"github.com/nullsock/tinyserver/core/sqlpool"
)

// ErrMalformed names the condition of a request line or header line
// that cannot be parsed. Parse does not return it: a malformed request
// reaches
// Finish, carrying Request.Code == 400, so the responder can answer
// it the normal way. It is exported so callers can recognize the
// condition in logs.
var ErrMalformed = errors.New("httpconn: malformed request")

// state is the parser's position in the request-line/headers/body/
// finish state machine (spec'd as RequestLine, Headers, Body, Finish).
type state int

const (
	stateRequestLine state = iota
	stateHeaders
	stateBody
	stateFinish
)

// Request is the parsed result of one HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers map[string]string
	Body    []byte
	Form    url.Values

	// Code is set by the parser itself only on a malformed request
	// line or header line (400); a well-formed request leaves this 0 and lets the
	// responder decide the status from the filesystem.
	Code int
}

// Header looks up a header by name, case-insensitively, matching
// HTTP/1.1's field-name semantics.
func (r *Request) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// IsKeepAlive reports whether the connection should be kept open
// after this response, per spec: HTTP/1.1 defaults to keep-alive
// unless Connection: close is present; HTTP/1.0 requires an explicit
// Connection: keep-alive.
func (r *Request) IsKeepAlive() bool {
	conn, _ := r.Header("Connection")
	switch r.Version {
	case "HTTP/1.1":
		return !strings.EqualFold(conn, "close")
	case "HTTP/1.0":
		return strings.EqualFold(conn, "keep-alive")
	default:
		return false
	}
}

// Parser is the per-connection request state machine. It is not
// safe for concurrent use; the one-shot re-arm discipline in
// core/server.Reactor guarantees a single worker owns it at a time.
type Parser struct {
	state state
	req   Request
	pool  *sqlpool.Pool

	contentLength int
}

// NewParser creates a Parser. pool may be nil, in which case /login
// and /register always fail soft to /error.html rather than taking
// the server down over an unreachable SQL collaborator.
func NewParser(pool *sqlpool.Pool) *Parser {
	p := &Parser{pool: pool}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state, ready for the next
// request on a kept-alive connection.
func (p *Parser) Reset() {
	p.state = stateRequestLine
	p.contentLength = 0
	p.req = Request{Headers: make(map[string]string)}
}

// Request returns the in-progress or completed request.
func (p *Parser) Request() *Request {
	return &p.req
}

// Done reports whether the parser has reached Finish.
func (p *Parser) Done() bool {
	return p.state == stateFinish
}

// Parse consumes as much of buf as forms complete lines/body and
// advances the state machine. It returns true once the state machine
// reaches Finish (a malformed request also reaches Finish, with
// Request.Code == 400); it returns false when buf does not yet hold a
// full line or body, leaving buf's unread content untouched so the
// next call can resume from where parsing left off.
func (p *Parser) Parse(ctx context.Context, buf *buffer.Buffer) (bool, error) {
	for {
		switch p.state {
		case stateRequestLine:
			line, ok := takeLine(buf)
			if !ok {
				return false, nil
			}
			if !p.parseRequestLine(line) {
				p.req.Code = 400
				p.state = stateFinish
				return true, nil
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok := takeLine(buf)
			if !ok {
				return false, nil
			}
			if len(line) == 0 {
				if p.req.Method == "POST" {
					p.contentLength = p.headerContentLength()
					p.state = stateBody
				} else {
					p.state = stateFinish
				}
				continue
			}
			if !p.parseHeaderLine(line) {
				p.req.Code = 400
				p.state = stateFinish
				return true, nil
			}

		case stateBody:
			if buf.Readable() < p.contentLength {
				return false, nil
			}
			body := make([]byte, p.contentLength)
			copy(body, buf.Peek()[:p.contentLength])
			buf.Retrieve(p.contentLength)
			p.req.Body = body
			p.decodeForm(ctx)
			p.state = stateFinish

		case stateFinish:
			return true, nil
		}
	}
}

// takeLine removes and returns one CRLF-terminated line from buf,
// without the trailing CRLF. It reports false if buf does not yet
// contain a complete line.
func takeLine(buf *buffer.Buffer) ([]byte, bool) {
	data := buf.Peek()
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	buf.Retrieve(idx + 2)
	return line, true
}

// parseRequestLine parses "METHOD SP URI SP HTTP/VERSION". / rewrites
// to /index.html. Only GET and POST are accepted.
func (p *Parser) parseRequestLine(line []byte) bool {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return false
	}
	method := string(parts[0])
	if method != "GET" && method != "POST" {
		return false
	}
	version := string(parts[2])
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return false
	}
	path := string(parts[1])
	if path == "" || path[0] != '/' {
		return false
	}
	if path == "/" {
		path = "/index.html"
	}

	p.req.Method = method
	p.req.Path = path
	p.req.Version = version
	return true
}

// parseHeaderLine parses "Name: value", trimming at most one leading
// space from the value per spec's "? " optional-space rule.
func (p *Parser) parseHeaderLine(line []byte) bool {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return false
	}
	name := string(line[:idx])
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	p.req.Headers[name] = string(value)
	return true
}

func (p *Parser) headerContentLength() int {
	v, ok := p.req.Header("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// credentialTimeout bounds how long a /login or /register handler
// waits on the SQL collaborator before failing soft, so a stalled
// database cannot pin down a worker indefinitely.
const credentialTimeout = 3 * time.Second

// decodeForm handles application/x-www-form-urlencoded bodies and,
// for /login and /register, consults the SQL collaborator and
// rewrites Path to /welcome.html or /error.html.
func (p *Parser) decodeForm(ctx context.Context) {
	ct, _ := p.req.Header("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "application/x-www-form-urlencoded") {
		return
	}

	form, err := url.ParseQuery(string(p.req.Body))
	if err != nil {
		form = url.Values{}
	}
	p.req.Form = form

	switch p.req.Path {
	case "/login":
		p.req.Path = "/error.html"
		if ok := p.verifyLogin(ctx, form); ok {
			p.req.Path = "/welcome.html"
		}
	case "/register":
		p.req.Path = "/error.html"
		if ok := p.registerUser(ctx, form); ok {
			p.req.Path = "/welcome.html"
		}
	}
}

func (p *Parser) verifyLogin(ctx context.Context, form url.Values) bool {
	if p.pool == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, credentialTimeout)
	defer cancel()

	h, err := p.pool.Borrow(ctx)
	if err != nil {
		return false
	}
	defer p.pool.Return(h)

	ok, err := sqlpool.VerifyCredentials(ctx, h, form.Get("username"), form.Get("password"))
	if err != nil {
		return false
	}
	return ok
}

func (p *Parser) registerUser(ctx context.Context, form url.Values) bool {
	if p.pool == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, credentialTimeout)
	defer cancel()

	h, err := p.pool.Borrow(ctx)
	if err != nil {
		return false
	}
	defer p.pool.Return(h)

	username := form.Get("username")
	if username == "" {
		return false
	}
	ok, err := sqlpool.InsertCredentials(ctx, h, username, form.Get("password"))
	if err != nil {
		return false
	}
	return ok
}
