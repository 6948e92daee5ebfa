package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrLineTooLong is returned by ReadLimitedLine for a line over its limit.
var ErrLineTooLong = errors.New("line too long")

// ReadLine reads one line from r and strips the line terminator. A final
// line without a terminator is returned as is; io.EOF is returned only when
// nothing was read.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadLimitedLine is ReadLine for lines of at most limit bytes, terminator
// included. A longer line is consumed through its terminator and reported as
// ErrLineTooLong, so the next call starts at the following line.
func ReadLimitedLine(r *bufio.Reader, limit int) (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && (tooLong || len(buf) > 0)) {
			return "", err
		}
		break
	}
	if tooLong {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// WriteLine writes s followed by a newline.
func WriteLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\n")
	return err
}
