// Package protocol implements the line-oriented music daemon wire protocol:
// command rendering, response framing (OK/ACK terminators, key-value pairs,
// binary sub-responses) and the connection handshake.
package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// maxBinaryChunk bounds a single declared binary payload. The server caps
// chunks at its binarylimit (8 KiB by default, configurable well below this);
// anything larger indicates corrupt framing.
const maxBinaryChunk = 64 << 20

// Pair is a single "key: value" response line.
type Pair struct {
	Key   string
	Value string
}

// Response is a complete success response: the key-value lines in server
// order, an optional binary payload, and — when command list framing was in
// use — the lines grouped per command.
type Response struct {
	Pairs    []Pair
	Segments [][]Pair
	Binary   []byte
}

// Attr returns the value of the first pair with the given key, or "".
func (r *Response) Attr(key string) string {
	for _, p := range r.Pairs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Attrs flattens the response into a map. Later duplicate keys win, which
// matches how single-entity responses (status, currentsong) are shaped.
func (r *Response) Attrs() map[string]string {
	m := make(map[string]string, len(r.Pairs))
	for _, p := range r.Pairs {
		m[p.Key] = p.Value
	}
	return m
}

// Split groups pairs into entities, starting a new group each time the
// delimiter key appears. Pairs before the first delimiter are dropped.
func Split(pairs []Pair, delimiter string) [][]Pair {
	var out [][]Pair
	var cur []Pair
	for _, p := range pairs {
		if p.Key == delimiter {
			if cur != nil {
				out = append(out, cur)
			}
			cur = []Pair{p}
			continue
		}
		if cur != nil {
			cur = append(cur, p)
		}
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}

// Conn is a framed protocol connection. It is not safe for concurrent use;
// each session owns exactly one Conn and serializes access itself.
type Conn struct {
	nc      net.Conn
	br      *bufio.Reader
	version string
}

// Dial connects to the server and consumes the "OK MPD <version>" banner.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if timeout > 0 {
		nc.SetReadDeadline(time.Now().Add(timeout))
	}
	c, err := NewConn(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	nc.SetReadDeadline(time.Time{})
	return c, nil
}

// NewConn wraps an established transport and reads the server banner.
func NewConn(nc net.Conn) (*Conn, error) {
	c := &Conn{nc: nc, br: bufio.NewReader(nc)}
	banner, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("read banner: %w", err)
	}
	version, ok := strings.CutPrefix(banner, "OK MPD ")
	if !ok {
		return nil, &Error{Reason: "unexpected banner: " + banner}
	}
	c.version = version
	return c, nil
}

// Version returns the server version announced in the banner.
func (c *Conn) Version() string {
	return c.version
}

// SetDeadline bounds the next reads and writes on the underlying transport.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// Close tears down the transport. A blocked read on the connection fails
// immediately, which is how the idle wait is interrupted on teardown.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Exchange writes one command and reads its complete response.
func (c *Conn) Exchange(cmd Command) (*Response, error) {
	if err := c.writeLine(cmd.String()); err != nil {
		return nil, err
	}
	return c.ReadResponse()
}

// ExchangeList sends the commands as one atomic command list. The response
// carries one segment per command; on failure the returned CommandError
// reports the index of the first failing command.
func (c *Conn) ExchangeList(cmds []Command) (*Response, error) {
	var b strings.Builder
	b.WriteString("command_list_ok_begin\n")
	for _, cmd := range cmds {
		b.WriteString(cmd.String())
		b.WriteByte('\n')
	}
	b.WriteString("command_list_end")
	if err := c.writeLine(b.String()); err != nil {
		return nil, err
	}
	return c.ReadResponse()
}

// Send writes a bare command without reading a response. Used for "noidle",
// whose reply is the pending idle response already being awaited.
func (c *Conn) Send(cmd Command) error {
	return c.writeLine(cmd.String())
}

func (c *Conn) writeLine(line string) error {
	if _, err := io.WriteString(c.nc, line+"\n"); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ReadResponse reads lines until a terminator. "list_OK" markers close the
// current segment; a "binary: N" pair is followed by N raw bytes and a
// newline. An ACK terminator is returned as a *CommandError.
func (c *Conn) ReadResponse() (*Response, error) {
	resp := &Response{}
	var seg []Pair
	listFramed := false
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch {
		case line == "OK":
			if listFramed && len(seg) > 0 {
				return nil, &Error{Reason: "command list response missing list_OK terminator"}
			}
			return resp, nil
		case line == "list_OK":
			listFramed = true
			resp.Segments = append(resp.Segments, seg)
			seg = nil
			continue
		case strings.HasPrefix(line, "ACK"):
			return nil, parseAck(line)
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			// A bare "key:" line (empty tag value) is still well formed.
			if k, found := strings.CutSuffix(line, ":"); found {
				key, value = k, ""
			} else {
				return nil, &Error{Reason: "malformed response line: " + line}
			}
		}

		if key == "binary" {
			data, err := c.readBinary(value)
			if err != nil {
				return nil, err
			}
			resp.Binary = data
		}
		resp.Pairs = append(resp.Pairs, Pair{Key: key, Value: value})
		seg = append(seg, Pair{Key: key, Value: value})
	}
}

// readBinary consumes a size-prefixed raw payload and its trailing newline.
func (c *Conn) readBinary(sizeField string) ([]byte, error) {
	n, err := strconv.Atoi(sizeField)
	if err != nil || n < 0 || n > maxBinaryChunk {
		return nil, &Error{Reason: "invalid binary length: " + sizeField}
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.br, data); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("binary payload truncated: %v", err)}
	}
	nl, err := c.br.ReadByte()
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("binary payload unterminated: %v", err)}
	}
	if nl != '\n' {
		return nil, &Error{Reason: "binary payload length mismatch"}
	}
	return data, nil
}
