package wire

import (
	"errors"
	"strings"
)

var (
	// ErrMalformedRequest is returned for a request with the wrong number of fields.
	ErrMalformedRequest = errors.New("invalid request format")
	// ErrMissingValue is returned for a PUT without a value.
	ErrMissingValue = errors.New("put operation requires a key and value")
	// ErrUnsupportedOperation is returned for an operation other than GET, PUT or DELETE.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Op is the operation carried by a request.
type Op int

const (
	OpGet Op = iota + 1
	OpPut
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

func parseOp(s string) (Op, bool) {
	switch strings.ToUpper(s) {
	case "GET":
		return OpGet, true
	case "PUT":
		return OpPut, true
	case "DELETE":
		return OpDelete, true
	default:
		return 0, false
	}
}

// Mode tells the receiving node how to route a request.
type Mode int

const (
	// ModeClient requests are routed by the receiver's ring.
	ModeClient Mode = iota
	// ModeForwarded requests were routed by a peer; the receiver must be the primary.
	ModeForwarded
	// ModeReplicate requests are applied to the receiver's store without routing.
	ModeReplicate
)

func (m Mode) String() string {
	switch m {
	case ModeForwarded:
		return "FORWARDED"
	case ModeReplicate:
		return "REPLICATE"
	default:
		return "CLIENT"
	}
}

func parseMode(s string) (Mode, bool) {
	switch strings.ToUpper(s) {
	case "FORWARDED":
		return ModeForwarded, true
	case "REPLICATE":
		return ModeReplicate, true
	default:
		return ModeClient, false
	}
}

// Request is a decoded request line.
type Request struct {
	Mode  Mode
	Op    Op
	Key   string
	Value string
}

// Get builds a GET request.
func Get(key string) Request {
	return Request{Op: OpGet, Key: key}
}

// Put builds a PUT request.
func Put(key, value string) Request {
	return Request{Op: OpPut, Key: key, Value: value}
}

// Delete builds a DELETE request.
func Delete(key string) Request {
	return Request{Op: OpDelete, Key: key}
}

// WithMode returns a copy of r carrying mode m.
func (r Request) WithMode(m Mode) Request {
	r.Mode = m
	return r
}

// ParseRequest decodes one request line. Operation and mode tokens are
// case-insensitive.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)

	var req Request
	if len(fields) > 0 {
		if mode, ok := parseMode(fields[0]); ok {
			req.Mode = mode
			fields = fields[1:]
		}
	}
	if len(fields) < 2 {
		return Request{}, ErrMalformedRequest
	}

	op, ok := parseOp(fields[0])
	if !ok {
		return Request{}, ErrUnsupportedOperation
	}
	req.Op = op
	req.Key = fields[1]

	switch op {
	case OpPut:
		if len(fields) < 3 {
			return Request{}, ErrMissingValue
		}
		if len(fields) > 3 {
			return Request{}, ErrMalformedRequest
		}
		req.Value = fields[2]
	default:
		if len(fields) > 2 {
			return Request{}, ErrMalformedRequest
		}
	}
	return req, nil
}

// Encode renders r as a request line without the trailing newline.
func (r Request) Encode() string {
	var b strings.Builder
	if r.Mode != ModeClient {
		b.WriteString(r.Mode.String())
		b.WriteByte(' ')
	}
	b.WriteString(r.Op.String())
	b.WriteByte(' ')
	b.WriteString(r.Key)
	if r.Op == OpPut {
		b.WriteByte(' ')
		b.WriteString(r.Value)
	}
	return b.String()
}

func (r Request) String() string {
	return r.Encode()
}

// Validate checks that r can be encoded as a single well-formed line.
func (r Request) Validate() error {
	if _, ok := parseOp(r.Op.String()); !ok {
		return ErrUnsupportedOperation
	}
	if !isToken(r.Key) {
		return ErrMalformedRequest
	}
	if r.Op == OpPut && !isToken(r.Value) {
		return ErrMissingValue
	}
	return nil
}

func isToken(s string) bool {
	return s != "" && len(strings.Fields(s)) == 1 && strings.TrimSpace(s) == s
}
