// Package frame implements the length-delimited framing used on producer connections.
//
// Every JSON-RPC message travels as a RESP bulk string:
//
//	$<byte length>\r\n<message>\r\n
//
// A transport-level error, sent right before the server closes a connection, is
// a RESP error line:
//
//	-<message>\r\n
//
// Frames are self-delimiting, so a Decoder reassembles them across arbitrary
// TCP read boundaries.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	MaxFrameSize = 8 << 20
	maxLineSize  = 64 << 10
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
)

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

// Frame is one decoded unit. Err marks a transport-level error frame.
type Frame struct {
	Text string
	Err  bool
}

// Encode frames a text message as a bulk string.
func Encode(text string) []byte {
	buf := make([]byte, 0, len(text)+16)
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(text)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, text...)
	buf = append(buf, '\r', '\n')
	return buf
}

// EncodeError frames err as an error line. Line breaks inside the message are
// flattened so the frame stays a single line.
func EncodeError(err error) []byte {
	msg := "Error"
	if err != nil {
		msg = "Error: " + lineBreaks.Replace(err.Error())
	}
	return []byte("-" + msg + "\r\n")
}

// Decoder reads frames from a byte stream.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096), maxSize: MaxFrameSize}
}

// SetMaxSize overrides the bulk length limit.
func (d *Decoder) SetMaxSize(n int) {
	d.maxSize = n
}

// Decode returns the next frame. io.EOF is returned untouched when the stream
// ends cleanly between frames; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (Frame, error) {
	line, err := d.readLine()
	if err != nil {
		return Frame{}, err
	}
	if len(line) == 0 {
		return Frame{}, fmt.Errorf("%w: empty header", ErrMalformedFrame)
	}

	switch line[0] {
	case '$':
		size, err := strconv.Atoi(line[1:])
		if err != nil || size < 0 {
			return Frame{}, fmt.Errorf("%w: bad length %q", ErrMalformedFrame, line[1:])
		}
		if size > d.maxSize {
			return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.maxSize)
		}
		body := make([]byte, size+2)
		if _, err := io.ReadFull(d.r, body); err != nil {
			return Frame{}, unexpectedEOF(err)
		}
		if body[size] != '\r' || body[size+1] != '\n' {
			return Frame{}, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
		}
		return Frame{Text: string(body[:size])}, nil
	case '+':
		return Frame{Text: line[1:]}, nil
	case '-':
		return Frame{Text: line[1:], Err: true}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unexpected type byte %q", ErrMalformedFrame, line[0])
	}
}

func (d *Decoder) readLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := d.r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxLineSize {
			return "", fmt.Errorf("%w: header line too long", ErrMalformedFrame)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && sb.Len() > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line := sb.String()
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("%w: header not terminated by CRLF", ErrMalformedFrame)
	}
	return line[:len(line)-2], nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
