package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// readBlockSize is how many bytes are pulled off the wire per read while
// waiting for a complete JSON value to accumulate.
const readBlockSize = 1024

// ErrMsgTooBig is returned when a message does not parse before the decode
// buffer limit is reached.
var ErrMsgTooBig = errors.New("message exceeds maximum decode size")

// ReadJSON decodes a single JSON value from r into v.
//
// The wire format carries no length prefix, so the only way to frame a
// message is to keep reading until the buffer parses. Truncated input makes
// the decoder report an unexpected end of input, which means more bytes are
// needed; any other parse error is fatal for the stream.
func ReadJSON(r io.Reader, v interface{}, max int) error {
	buf := make([]byte, 0, readBlockSize)
	block := make([]byte, readBlockSize)
	for {
		n, err := r.Read(block)
		if n > 0 {
			buf = append(buf, block[:n]...)
			log.Trace().Int("read", n).Int("buffered", len(buf)).Msg("accumulating JSON message")
			if len(buf) > max {
				return ErrMsgTooBig
			}

			derr := json.NewDecoder(bytes.NewReader(buf)).Decode(v)
			if derr == nil {
				return nil
			}
			if !errors.Is(derr, io.EOF) && !errors.Is(derr, io.ErrUnexpectedEOF) {
				log.Error().Str("buffer", string(buf)).Msg("could not parse message")
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("reading JSON message: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
	}
}

// WriteJSON encodes v and emits the complete encoding in a single write.
func WriteJSON(w io.Writer, v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}
