package protocol

import (
	"fmt"
	"regexp"
	"strconv"
)

// Server error codes reported in ACK responses.
const (
	CodeNotList       = 1
	CodeBadArgument   = 2
	CodeWrongPassword = 3
	CodePermission    = 4
	CodeUnknown       = 5
	CodeNoExist       = 50
	CodePlaylistMax   = 51
	CodeSystem        = 52
	CodePlaylistLoad  = 53
	CodeUpdateAlready = 54
	CodePlayerSync    = 55
	CodeExist         = 56
)

// Error reports a framing violation: a malformed response line, a binary
// chunk that does not match its declared length, or a truncated terminator.
// The connection cannot be trusted after an Error and must be discarded.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol error: " + e.Reason
}

// CommandError is a server-side command failure (an ACK line). Index is the
// position of the failing command within a command list, 0 for single commands.
type CommandError struct {
	Code    int
	Index   int
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command error [%d@%d] {%s} %s", e.Code, e.Index, e.Command, e.Message)
}

// ackPattern matches "ACK [error@command_listNum] {current_command} message".
var ackPattern = regexp.MustCompile(`^ACK \[(\d+)@(\d+)\] \{([^}]*)\} (.*)$`)

// parseAck parses an ACK line into a CommandError. A line that starts with
// "ACK" but does not match the expected shape is a framing violation.
func parseAck(line string) error {
	m := ackPattern.FindStringSubmatch(line)
	if m == nil {
		return &Error{Reason: "malformed ACK line: " + line}
	}
	code, _ := strconv.Atoi(m[1])
	index, _ := strconv.Atoi(m[2])
	return &CommandError{
		Code:    code,
		Index:   index,
		Command: m[3],
		Message: m[4],
	}
}
