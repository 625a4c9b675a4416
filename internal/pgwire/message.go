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
)

// Message is a single decoded tagged protocol frame: a one-byte type and its
// payload, with the length prefix already stripped. Startup-class packets
// (which have no tag byte) are represented separately by StartupPacket.
type Message struct {
	Type byte
	Data []byte
}

// StartupPacket is the untagged packet every connection begins with: either
// a real startup message carrying protocol version and parameters, or one
// of the special SSLRequest/CancelRequest/GSSEncRequest codes.
type StartupPacket struct {
	Code       uint32
	Parameters map[string]string // only set when Code == ProtocolVersion3
	ProcessID  int32             // only set for CancelRequest
	SecretKey  int32             // only set for CancelRequest
}

// IsSSLRequest reports whether this packet is an SSL negotiation request.
func (s *StartupPacket) IsSSLRequest() bool { return s.Code == SSLRequestCode }

// IsCancelRequest reports whether this packet is a cancel request.
func (s *StartupPacket) IsCancelRequest() bool { return s.Code == CancelRequestCode }

// IsGSSEncRequest reports whether this packet requests GSSAPI encryption
// negotiation. This proxy never accepts it; seeing the code is enough to
// know to refuse with 'N'.
func (s *StartupPacket) IsGSSEncRequest() bool { return s.Code == GSSEncRequestCode }

// ParseHeader decodes a tagged frame's 5-byte header (1 tag byte + 4-byte
// big-endian length covering itself and the payload) and returns the tag
// and the number of payload bytes that follow. It performs no I/O; callers
// use it against bytes they've already peeked or read.
func ParseHeader(hdr [HeaderLen]byte) (tag byte, payloadLen int, err error) {
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return 0, 0, fmt.Errorf("pgwire: invalid message length %d for tag %q", length, hdr[0])
	}
	if length > MaxMessageLen {
		return 0, 0, fmt.Errorf("pgwire: message length %d exceeds maximum %d", length, MaxMessageLen)
	}
	return hdr[0], int(length) - 4, nil
}

// ParseStartupHeader decodes the 4-byte length prefix of a startup-class
// packet and returns the number of bytes that follow (including the 4-byte
// code/version field).
func ParseStartupHeader(hdr [StartupHeaderLen]byte) (bodyLen int, err error) {
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 8 {
		return 0, fmt.Errorf("pgwire: invalid startup message length %d", length)
	}
	if int(length) > MaxMessageLen {
		return 0, fmt.Errorf("pgwire: startup message length %d exceeds maximum %d", length, MaxMessageLen)
	}
	return int(length) - 4, nil
}

// ParseStartupBody interprets the body of a startup-class packet (everything
// after the length prefix) given its leading 4-byte code/version word.
func ParseStartupBody(code uint32, body []byte) (*StartupPacket, error) {
	switch code {
	case SSLRequestCode, CancelRequestCode, GSSEncRequestCode:
		pkt := &StartupPacket{Code: code}
		if code == CancelRequestCode {
			if len(body) < 8 {
				return nil, fmt.Errorf("pgwire: cancel request too short")
			}
			pkt.ProcessID = int32(binary.BigEndian.Uint32(body[:4]))
			pkt.SecretKey = int32(binary.BigEndian.Uint32(body[4:8]))
		}
		return pkt, nil
	case ProtocolVersion3:
		params, err := parseKeyValues(body)
		if err != nil {
			return nil, err
		}
		return &StartupPacket{Code: code, Parameters: params}, nil
	default:
		return nil, fmt.Errorf("pgwire: unsupported startup protocol version %d", code)
	}
}

func parseKeyValues(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(data) > 0 {
		keyEnd := indexByte(data, 0)
		if keyEnd == -1 {
			return nil, fmt.Errorf("pgwire: unterminated startup parameter key")
		}
		if keyEnd == 0 {
			break // empty key marks end of parameter list
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd == -1 {
			return nil, fmt.Errorf("pgwire: unterminated startup parameter value for %q", key)
		}
		params[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return params, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// ErrorFields decodes the field/value pairs carried by an ErrorResponse or
// NoticeResponse payload.
func ErrorFields(data []byte) (map[byte]string, error) {
	fields := make(map[byte]string)
	for len(data) > 0 {
		tag := data[0]
		if tag == 0 {
			return fields, nil
		}
		data = data[1:]
		end := indexByte(data, 0)
		if end == -1 {
			return nil, fmt.Errorf("pgwire: unterminated error field value for tag %q", tag)
		}
		fields[tag] = string(data[:end])
		data = data[end+1:]
	}
	return fields, nil
}

// QueryString decodes the null-terminated SQL text carried by a simple
// Query ('Q') message.
func QueryString(data []byte) (string, error) {
	end := indexByte(data, 0)
	if end == -1 {
		return "", fmt.Errorf("pgwire: unterminated query string")
	}
	return string(data[:end]), nil
}
