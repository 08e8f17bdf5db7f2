package utils

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunkReader hands out the source in fixed-size pieces to exercise the
// accumulate-and-reparse loop.
type chunkReader struct {
	src    []byte
	chunks []int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.src) == 0 {
		return 0, io.EOF
	}
	n := len(c.src)
	if len(c.chunks) > 0 {
		n = c.chunks[0]
		c.chunks = c.chunks[1:]
		if n > len(c.src) {
			n = len(c.src)
		}
	}
	n = copy(p, c.src[:n])
	c.src = c.src[n:]
	return n, nil
}

type payload struct {
	Orders   []map[string]string `json:"orders"`
	Complete bool                `json:"complete"`
	Snapshot string              `json:"snapshotID"`
}

func samplePayload(t *testing.T) ([]byte, payload) {
	t.Helper()
	v := payload{
		Orders: []map[string]string{
			{"chainId": "1", "salt": "1548619145450", "signature": strings.Repeat("ab", 64)},
			{"chainId": "1", "salt": "1548619145451", "signature": strings.Repeat("cd", 64)},
		},
		Complete: false,
		Snapshot: "0x172b4c50e71cb73ed3ac8d191a6ddaf683d70757c848b62f6b33b3845bcbecbd",
	}
	enc, err := json.Marshal(v)
	require.NoError(t, err)
	require.Greater(t, len(enc), 300)
	return enc, v
}

func TestReadJSONChunked(t *testing.T) {
	enc, want := samplePayload(t)
	r := &chunkReader{src: enc, chunks: []int{1, 73, 12}}

	var got payload
	require.NoError(t, ReadJSON(r, &got, 1<<20))
	require.Equal(t, want, got)

	// Nothing further on the stream.
	var again payload
	err := ReadJSON(r, &again, 1<<20)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadJSONSingleRead(t *testing.T) {
	enc, want := samplePayload(t)

	var got payload
	require.NoError(t, ReadJSON(bytes.NewReader(enc), &got, 1<<20))
	require.Equal(t, want, got)
}

func TestReadJSONTruncated(t *testing.T) {
	enc, _ := samplePayload(t)

	var got payload
	err := ReadJSON(bytes.NewReader(enc[:len(enc)/2]), &got, 1<<20)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadJSONGarbageIsFatal(t *testing.T) {
	var got payload
	err := ReadJSON(strings.NewReader("not json at all"), &got, 1<<20)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadJSONExceedsLimit(t *testing.T) {
	enc, _ := samplePayload(t)

	var got payload
	err := ReadJSON(bytes.NewReader(enc), &got, 100)
	require.ErrorIs(t, err, ErrMsgTooBig)
}

func TestWriteJSONSingleWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, map[string]int{"page": 0}))
	require.JSONEq(t, `{"page": 0}`, buf.String())
}
