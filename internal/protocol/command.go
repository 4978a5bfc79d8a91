package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command is a single protocol command with its arguments. Arguments are
// quoted and escaped when the command is rendered, so callers never embed
// user-controlled strings into a command line themselves.
type Command struct {
	name string
	args []interface{}
}

// Cmd builds a command. Supported argument types: string, int, int64, bool
// (rendered as 1/0), float64 and time.Duration (rendered as seconds).
func Cmd(name string, args ...interface{}) Command {
	return Command{name: name, args: args}
}

// Name returns the command verb, e.g. "playlistinfo".
func (c Command) Name() string {
	return c.name
}

// String renders the full command line without the trailing newline.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.name)
	for _, arg := range c.args {
		b.WriteByte(' ')
		switch v := arg.(type) {
		case string:
			b.WriteString(quote(v))
		case int:
			b.WriteString(strconv.Itoa(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case bool:
			if v {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', 3, 64))
		case time.Duration:
			b.WriteString(strconv.FormatFloat(v.Seconds(), 'f', 3, 64))
		default:
			b.WriteString(quote(fmt.Sprint(v)))
		}
	}
	return b.String()
}

// quote wraps an argument in double quotes, escaping backslashes and quotes.
// The server accepts quoted arguments unconditionally, so quoting always is
// simpler than deciding when whitespace makes it necessary.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
