package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := int64(7)
	req := &rpcRequest{JSONRPC: "2.0", ID: &id, Method: "tools/list"}
	require.NoError(t, writeFrame(&buf, req))

	payload, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	var decoded rpcRequest
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "tools/list", decoded.Method)
	require.NotNil(t, decoded.ID)
	assert.Equal(t, int64(7), *decoded.ID)
}

func TestReadFrameSequencesMessages(t *testing.T) {
	var buf bytes.Buffer
	for _, method := range []string{"a", "b", "c"} {
		require.NoError(t, writeFrame(&buf, &rpcRequest{JSONRPC: "2.0", Method: method}))
	}

	r := bufio.NewReader(&buf)
	for _, want := range []string{"a", "b", "c"} {
		payload, err := readFrame(r)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		assert.Equal(t, want, req.Method)
	}
}

func TestReadFrameIgnoresExtraHeaders(t *testing.T) {
	raw := "Content-Type: application/json\r\ncontent-length: 2\r\n\r\n{}"
	payload, err := readFrame(bufio.NewReader(bytes.NewBufferString(raw)))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(payload))
}

func TestReadFrameMissingLength(t *testing.T) {
	raw := "Content-Type: application/json\r\n\r\n{}"
	_, err := readFrame(bufio.NewReader(bytes.NewBufferString(raw)))
	assert.ErrorContains(t, err, "missing Content-Length")
}

func TestReadFrameMalformedHeader(t *testing.T) {
	raw := "not a header\r\n\r\n{}"
	_, err := readFrame(bufio.NewReader(bytes.NewBufferString(raw)))
	assert.ErrorContains(t, err, "malformed header")
}
