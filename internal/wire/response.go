package wire

import (
	"errors"
	"strings"
)

// ErrMalformedResponse is returned for a response line that is neither a
// status nor a value.
var ErrMalformedResponse = errors.New("malformed response")

// Status lines.
const (
	LineOK       = "200 OK"
	LineDeleted  = "200 Deleted"
	LineNotFound = "404 Key not found"

	errorPrefix = "ERROR: "
)

// Status classifies a response.
type Status int

const (
	StatusOK Status = iota + 1
	StatusDeleted
	StatusNotFound
	StatusValue
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDeleted:
		return "deleted"
	case StatusNotFound:
		return "not-found"
	case StatusValue:
		return "value"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is a decoded response line.
type Response struct {
	Status Status
	// Value holds the stored value for StatusValue and the reason for StatusError.
	Value string
}

// OK is the response to a successful PUT.
func OK() Response { return Response{Status: StatusOK} }

// Deleted is the response to a DELETE that removed a key.
func Deleted() Response { return Response{Status: StatusDeleted} }

// NotFound is the response to a GET or DELETE on an absent key.
func NotFound() Response { return Response{Status: StatusNotFound} }

// Value is the response to a GET hit.
func Value(v string) Response { return Response{Status: StatusValue, Value: v} }

// Error builds an error response with the given reason.
func Error(reason string) Response { return Response{Status: StatusError, Value: reason} }

// ErrorFor builds an error response for err. Request decoding errors use
// their canonical wire text.
func ErrorFor(err error) Response {
	switch {
	case errors.Is(err, ErrMissingValue):
		return Error("PUT operation requires a key and value")
	case errors.Is(err, ErrUnsupportedOperation):
		return Error("Unsupported operation")
	case errors.Is(err, ErrMalformedRequest):
		return Error("Invalid request format")
	default:
		return Error(err.Error())
	}
}

// Encode renders r as a response line without the trailing newline.
func (r Response) Encode() string {
	switch r.Status {
	case StatusOK:
		return LineOK
	case StatusDeleted:
		return LineDeleted
	case StatusNotFound:
		return LineNotFound
	case StatusValue:
		return r.Value
	default:
		return errorPrefix + oneLine(r.Value)
	}
}

func (r Response) String() string {
	return r.Encode()
}

// IsError reports whether r is an ERROR line.
func (r Response) IsError() bool {
	return r.Status == StatusError
}

// ParseResponse classifies one response line.
func ParseResponse(line string) (Response, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == LineOK:
		return OK(), nil
	case line == LineDeleted:
		return Deleted(), nil
	case line == LineNotFound:
		return NotFound(), nil
	case strings.HasPrefix(line, errorPrefix):
		return Error(strings.TrimPrefix(line, errorPrefix)), nil
	case isToken(line):
		return Value(line), nil
	default:
		return Response{}, ErrMalformedResponse
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
