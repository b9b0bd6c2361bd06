package adapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxContentLength bounds one framed message (10MB).
const MaxContentLength = 10 * 1024 * 1024

// Transport frames JSON messages with Content-Length headers over a byte
// stream. Writes are serialized by the server's write mutex, not here.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
}

// NewTransport wraps a connection. closer may equal rwc; for stdio it closes
// only the output side.
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		reader: bufio.NewReader(r),
		writer: w,
		closer: c,
	}
}

// ReadMessage reads one framed message body.
func (t *Transport) ReadMessage() (json.RawMessage, error) {
	contentLength := -1

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("invalid header %q", line)
		}
		if strings.EqualFold(name, "Content-Length") {
			length, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if length < 0 || length > MaxContentLength {
				return nil, fmt.Errorf("content-length %d out of range", length)
			}
			contentLength = length
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	content := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, content); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

// WriteMessage frames and writes one message. The caller serializes writes.
func (t *Transport) WriteMessage(msg interface{}) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(content))
	if _, err := t.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
