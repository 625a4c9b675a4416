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

// Package pgwire implements the wire-level framing and parsing rules of the
// PostgreSQL frontend/backend protocol version 3.0. It is deliberately pure:
// the types here operate on byte slices, not on net.Conn, so they can be
// unit tested without a socket and reused by both the server-facing and
// backend-facing halves of the proxy.
package pgwire

// ProtocolVersion3 is the only startup protocol version this proxy accepts.
const ProtocolVersion3 = 196608 // 3 << 16

// Special startup-packet codes. These arrive in place of a protocol version
// in the very first packet on a connection, before any tagged message framing
// applies.
const (
	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102
	GSSEncRequestCode = 80877104
)

// Frontend (client-originated) message tags.
const (
	MsgBind            = 'B'
	MsgClose           = 'C'
	MsgCopyData        = 'd'
	MsgCopyDone        = 'c'
	MsgCopyFail        = 'f'
	MsgDescribe        = 'D'
	MsgExecute         = 'E'
	MsgFlush           = 'H'
	MsgFunctionCall    = 'F'
	MsgParse           = 'P'
	MsgPasswordMessage = 'p'
	MsgQuery           = 'Q'
	MsgSync            = 'S'
	MsgTerminate       = 'X'
)

// Backend (server-originated) message tags.
const (
	MsgAuthentication     = 'R'
	MsgBackendKeyData     = 'K'
	MsgBindComplete       = '2'
	MsgCloseComplete      = '3'
	MsgCommandComplete    = 'C'
	MsgCopyInResponse     = 'G'
	MsgCopyOutResponse    = 'H'
	MsgDataRow            = 'D'
	MsgEmptyQueryResponse = 'I'
	MsgErrorResponse      = 'E'
	MsgFunctionCallResp   = 'V'
	MsgNoData             = 'n'
	MsgNoticeResponse     = 'N'
	MsgNotificationResp   = 'A'
	MsgParameterDescr     = 't'
	MsgParameterStatus    = 'S'
	MsgParseComplete      = '1'
	MsgPortalSuspended    = 's'
	MsgReadyForQuery      = 'Z'
	MsgRowDescription     = 'T'
)

// Authentication request sub-codes, as carried in the payload of an
// Authentication ('R') message.
const (
	AuthOK                = 0
	AuthKerberosV5        = 2
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSCMCredential     = 6
	AuthGSS               = 7
	AuthGSSContinue       = 8
	AuthSSPI              = 9
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// Transaction status bytes carried by ReadyForQuery. These are the
// authoritative signal the proxy engine uses to detect transaction
// boundaries; client-side verb sniffing is only a hint.
const (
	TxStatusIdle       = 'I'
	TxStatusInTx       = 'T'
	TxStatusInFailedTx = 'E'
)

// ErrorResponse / NoticeResponse field tags.
const (
	FieldSeverity         = 'S'
	FieldSeverityV        = 'V'
	FieldCode             = 'C'
	FieldMessage          = 'M'
	FieldDetail           = 'D'
	FieldHint             = 'H'
	FieldPosition         = 'P'
	FieldInternalPosition = 'p'
	FieldInternalQuery    = 'q'
	FieldWhere            = 'W'
	FieldSchema           = 's'
	FieldTable            = 't'
	FieldColumn           = 'c'
	FieldDataType         = 'd'
	FieldConstraint       = 'n'
	FieldFile             = 'F'
	FieldLine             = 'L'
	FieldRoutine          = 'R'
)

// HeaderLen is the number of bytes in a tagged message header: one tag byte
// followed by a four-byte big-endian length that covers itself and the
// payload but not the tag.
const HeaderLen = 5

// StartupHeaderLen is the number of bytes in the length prefix of an
// untagged startup-class packet (Startup, SSLRequest, CancelRequest).
const StartupHeaderLen = 4

// MaxMessageLen bounds how large a single frame's declared length may be,
// guarding against a hostile or corrupt peer claiming a multi-gigabyte
// payload and exhausting memory before the short read ever fails.
const MaxMessageLen = 1 << 28 // 256 MiB
