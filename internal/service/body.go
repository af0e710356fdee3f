package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrPayloadTooLarge is returned when the request body exceeds the size cap.
var ErrPayloadTooLarge = errors.New("request body too large")

// BodyReadError wraps an I/O failure while reading the request body.
type BodyReadError struct {
	Err error
}

func (e *BodyReadError) Error() string {
	return fmt.Sprintf("read request body: %v", e.Err)
}

func (e *BodyReadError) Unwrap() error { return e.Err }

const readChunkSize = 32 * 1024

// ReadBody drains src into memory and returns nil when it is empty.
//
// Once more than max bytes have arrived, src is closed without being drained
// and ErrPayloadTooLarge is returned. The cap applies to the bytes actually
// read, not to any declared Content-Length.
func ReadBody(src io.ReadCloser, max int64) ([]byte, error) {
	if src == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > max {
				_ = src.Close()
				return nil, fmt.Errorf("%w: exceeds %d bytes limit", ErrPayloadTooLarge, max)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &BodyReadError{Err: err}
		}
	}

	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}
