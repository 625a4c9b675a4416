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
	"encoding/binary"
	"fmt"
	"io"
)

// Writer emits PostgreSQL protocol frames. It holds no buffering of its own;
// callers typically wrap a pooled *bufio.Writer.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for frame-oriented writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage emits a single tagged frame.
func (w *Writer) WriteMessage(tag byte, data []byte) error {
	var hdr [HeaderLen]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(data)+4))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pgwire: writing header for tag %q: %w", tag, err)
	}
	if len(data) > 0 {
		if _, err := w.w.Write(data); err != nil {
			return fmt.Errorf("pgwire: writing payload for tag %q: %w", tag, err)
		}
	}
	return nil
}

// WriteAuthenticationOK emits AuthenticationOk.
func (w *Writer) WriteAuthenticationOK() error {
	return w.WriteMessage(MsgAuthentication, be32(AuthOK))
}

// WriteAuthenticationCleartextPassword requests cleartext password auth.
func (w *Writer) WriteAuthenticationCleartextPassword() error {
	return w.WriteMessage(MsgAuthentication, be32(AuthCleartextPassword))
}

// WriteAuthenticationMD5Password requests MD5 password auth with the given
// 4-byte salt.
func (w *Writer) WriteAuthenticationMD5Password(salt [4]byte) error {
	data := append(be32(AuthMD5Password), salt[:]...)
	return w.WriteMessage(MsgAuthentication, data)
}

// WriteAuthenticationSASL requests SASL authentication, offering mechanisms.
func (w *Writer) WriteAuthenticationSASL(mechanisms []string) error {
	data := be32(AuthSASL)
	for _, m := range mechanisms {
		data = append(data, []byte(m)...)
		data = append(data, 0)
	}
	data = append(data, 0)
	return w.WriteMessage(MsgAuthentication, data)
}

// WriteParameterStatus emits a ParameterStatus message.
func (w *Writer) WriteParameterStatus(name, value string) error {
	data := make([]byte, 0, len(name)+len(value)+2)
	data = append(data, []byte(name)...)
	data = append(data, 0)
	data = append(data, []byte(value)...)
	data = append(data, 0)
	return w.WriteMessage(MsgParameterStatus, data)
}

// WriteBackendKeyData emits BackendKeyData.
func (w *Writer) WriteBackendKeyData(processID, secretKey int32) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[:4], uint32(processID))
	binary.BigEndian.PutUint32(data[4:], uint32(secretKey))
	return w.WriteMessage(MsgBackendKeyData, data)
}

// WriteReadyForQuery emits ReadyForQuery with the given transaction status.
func (w *Writer) WriteReadyForQuery(txStatus byte) error {
	return w.WriteMessage(MsgReadyForQuery, []byte{txStatus})
}

// WriteErrorResponse emits an ErrorResponse built from field/value pairs.
func (w *Writer) WriteErrorResponse(fields map[byte]string) error {
	data := make([]byte, 0, 64)
	for field, value := range fields {
		data = append(data, field)
		data = append(data, []byte(value)...)
		data = append(data, 0)
	}
	data = append(data, 0)
	return w.WriteMessage(MsgErrorResponse, data)
}

// WriteFatalError emits a pooler-synthesized ErrorResponse with fixed
// severity FATAL and SQLSTATE 08006 (connection_failure), the only shape
// this proxy itself originates rather than relays from the backend.
func (w *Writer) WriteFatalError(message string) error {
	return w.WriteErrorResponse(map[byte]string{
		FieldSeverity: "FATAL",
		FieldCode:     "08006",
		FieldMessage:  message,
	})
}

// WriteCommandComplete emits CommandComplete with the given command tag.
func (w *Writer) WriteCommandComplete(tag string) error {
	data := append([]byte(tag), 0)
	return w.WriteMessage(MsgCommandComplete, data)
}

// WriteSSLResponse emits the single-byte SSL negotiation response: 'S' to
// accept, 'N' to refuse. This is the only message on the wire with no
// header at all.
func (w *Writer) WriteSSLResponse(accept bool) error {
	if accept {
		_, err := w.w.Write([]byte{'S'})
		return err
	}
	_, err := w.w.Write([]byte{'N'})
	return err
}

// WriteStartupMessage emits a client startup packet with the given
// parameters, in map-iteration order, so the order on the wire is not
// deterministic (Postgres does not care about parameter order).
func (w *Writer) WriteStartupMessage(params map[string]string) error {
	body := be32(ProtocolVersion3)
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return w.writeStartupBody(body)
}

// WriteSSLRequest emits the special SSLRequest startup-class packet.
func (w *Writer) WriteSSLRequest() error {
	return w.writeStartupBody(be32(SSLRequestCode))
}

// WritePasswordMessage emits a PasswordMessage carrying the given response.
func (w *Writer) WritePasswordMessage(response string) error {
	data := append([]byte(response), 0)
	return w.WriteMessage(MsgPasswordMessage, data)
}

// WriteQuery emits a simple Query message.
func (w *Writer) WriteQuery(sql string) error {
	data := append([]byte(sql), 0)
	return w.WriteMessage(MsgQuery, data)
}

// WriteTerminate emits Terminate.
func (w *Writer) WriteTerminate() error {
	return w.WriteMessage(MsgTerminate, nil)
}

func (w *Writer) writeStartupBody(body []byte) error {
	var lenBuf [StartupHeaderLen]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("pgwire: writing startup length: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("pgwire: writing startup body: %w", err)
	}
	return nil
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
