package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/FerroO2000/scullp/device"
)

// Command is the verb of a request line.
type Command string

const (
	// CommandOpen opens a device and starts streaming.
	CommandOpen Command = "OPEN"
	// CommandPoll reports the readiness of a device.
	CommandPoll Command = "POLL"
)

// Responses sent by the server.
const (
	ResponseOK    = "OK"
	ResponseReady = "READY"
	ResponseErr   = "ERR"
)

var (
	// ErrUnknownCommand is returned for a request with an unknown verb.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformedRequest is returned for a request with the wrong arguments.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInvalidMode is returned for an unknown open mode.
	ErrInvalidMode = errors.New("invalid mode")
)

// Request is a parsed request line.
type Request struct {
	Command Command
	Device  string
	Flags   device.OpenFlag
}

// ParseMode parses an open mode: r, w or rw,
// optionally followed by ",nonblock".
func ParseMode(s string) (device.OpenFlag, error) {
	access, opt, hasOpt := strings.Cut(s, ",")

	var flags device.OpenFlag
	switch access {
	case "r":
		flags = device.ORead
	case "w":
		flags = device.OWrite
	case "rw":
		flags = device.ORdWr
	default:
		return 0, fmt.Errorf("%w %q", ErrInvalidMode, s)
	}

	if hasOpt {
		if opt != "nonblock" {
			return 0, fmt.Errorf("%w %q", ErrInvalidMode, s)
		}
		flags |= device.ONonBlock
	}

	return flags, nil
}

// ParseRequest parses a request line, e.g. "OPEN scullp0 rw,nonblock"
// or "POLL scullp1".
func ParseRequest(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Command: Command(strings.ToUpper(fields[0])),
	}

	switch req.Command {
	case CommandOpen:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: usage: OPEN <device> <r|w|rw>[,nonblock]", ErrMalformedRequest)
		}

		flags, err := ParseMode(fields[2])
		if err != nil {
			return nil, err
		}

		req.Device = fields[1]
		req.Flags = flags

	case CommandPoll:
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: usage: POLL <device>", ErrMalformedRequest)
		}

		req.Device = fields[1]

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, fields[0])
	}

	return req, nil
}

// FormatReady formats the response to a POLL request.
func FormatReady(rd device.Readiness) string {
	return fmt.Sprintf("%s readable=%d writable=%d", ResponseReady, boolToInt(rd.Readable), boolToInt(rd.Writable))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
