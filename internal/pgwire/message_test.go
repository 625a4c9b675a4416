// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgwire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tag  byte
		data []byte
	}{
		{"query", MsgQuery, append([]byte("select 1"), 0)},
		{"ready for query", MsgReadyForQuery, []byte{TxStatusIdle}},
		{"empty payload", MsgSync, nil},
		{"command complete", MsgCommandComplete, append([]byte("SELECT 1"), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewWriter(&buf).WriteMessage(tt.tag, tt.data))

			r := NewReader(bufio.NewReader(&buf))
			msg, err := r.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, tt.tag, msg.Type)
			assert.Equal(t, tt.data, msg.Data)
		})
	}
}

func TestPeekHeaderDoesNotConsume(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteMessage(MsgQuery, []byte("x")))

	r := NewReader(bufio.NewReader(&buf))
	tag, payloadLen, err := r.PeekHeader()
	require.NoError(t, err)
	assert.Equal(t, byte(MsgQuery), tag)
	assert.Equal(t, 1, payloadLen)

	// Peeking again must see the same header, proving nothing was consumed.
	tag2, payloadLen2, err := r.PeekHeader()
	require.NoError(t, err)
	assert.Equal(t, tag, tag2)
	assert.Equal(t, payloadLen, payloadLen2)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), msg.Data)
}

func TestForwardCopiesExactBytes(t *testing.T) {
	var src bytes.Buffer
	require.NoError(t, NewWriter(&src).WriteMessage(MsgQuery, []byte("select 1")))
	original := src.Bytes()

	r := NewReader(bufio.NewReader(bytes.NewReader(original)))
	var dst bytes.Buffer
	n, err := r.Forward(&dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len(original)), n)
	assert.Equal(t, original, dst.Bytes())
}

func TestStartupPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	params := map[string]string{"user": "alice", "database": "app"}
	require.NoError(t, NewWriter(&buf).WriteStartupMessage(params))

	r := NewReader(bufio.NewReader(&buf))
	pkt, err := r.ReadStartupPacket()
	require.NoError(t, err)
	assert.Equal(t, uint32(ProtocolVersion3), pkt.Code)
	assert.Equal(t, params, pkt.Parameters)
}

func TestSSLRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteSSLRequest())

	r := NewReader(bufio.NewReader(&buf))
	pkt, err := r.ReadStartupPacket()
	require.NoError(t, err)
	assert.True(t, pkt.IsSSLRequest())
}

func TestErrorFieldsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fields := map[byte]string{
		FieldSeverity: "ERROR",
		FieldCode:     "57P01",
		FieldMessage:  "terminating connection",
	}
	require.NoError(t, NewWriter(&buf).WriteErrorResponse(fields))

	r := NewReader(bufio.NewReader(&buf))
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(MsgErrorResponse), msg.Type)

	got, err := ErrorFields(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestParseHeaderRejectsOversizedLength(t *testing.T) {
	var hdr [HeaderLen]byte
	hdr[0] = MsgQuery
	hdr[1], hdr[2], hdr[3], hdr[4] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, err := ParseHeader(hdr)
	assert.Error(t, err)
}

func TestParseHeaderRejectsShortLength(t *testing.T) {
	var hdr [HeaderLen]byte
	hdr[0] = MsgQuery
	hdr[4] = 2 // length 2 < minimum 4
	_, _, err := ParseHeader(hdr)
	assert.Error(t, err)
}
