// Package jsonrpc parses and builds the JSON-RPC 2.0 messages exchanged with
// producers and consumers. Parsing is lenient about the "jsonrpc" member: any
// object carrying a method and an id is a request.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

const Version = "2.0"

// Gateway specific codes, outside the JSON-RPC reserved range.
const (
	CodeUnauthorized json2.ErrorCode = 400
	CodeServerError  json2.ErrorCode = 500
)

type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindSuccess
	KindError
)

var kindNames = map[Kind]string{
	KindInvalid:      "invalid",
	KindRequest:      "request",
	KindNotification: "notification",
	KindSuccess:      "success",
	KindError:        "error",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Error is a JSON-RPC error object. It doubles as a Go error so handlers can
// return it and have it forwarded verbatim.
type Error struct {
	Code    json2.ErrorCode `json:"code"`
	Message string          `json:"message"`
	Data    interface{}     `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func NewError(code json2.ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func MethodNotFound() *Error {
	return NewError(json2.E_NO_METHOD, "Method not found")
}

func InvalidParams() *Error {
	return NewError(json2.E_BAD_PARAMS, "Invalid params")
}

func ParseError() *Error {
	return NewError(json2.E_PARSE, "Parse error")
}

func InvalidRequest() *Error {
	return NewError(json2.E_INVALID_REQ, "Invalid request")
}

// Message is a parsed inbound message. ID keeps the raw JSON so responses echo
// exactly what the peer sent.
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Parse classifies data. It never fails: malformed input yields KindInvalid
// with Error describing the problem.
func Parse(data []byte) *Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return &Message{Kind: KindInvalid, Error: ParseError()}
	}

	msg := &Message{ID: fields["id"], Params: fields["params"]}
	idValid := validID(msg.ID)

	if rawMethod, ok := fields["method"]; ok {
		if err := json.Unmarshal(rawMethod, &msg.Method); err != nil || msg.Method == "" {
			msg.Kind, msg.Error = KindInvalid, InvalidRequest()
			return msg
		}
		switch {
		case msg.ID == nil:
			msg.Kind = KindNotification
		case idValid:
			msg.Kind = KindRequest
		default:
			msg.Kind, msg.Error = KindInvalid, InvalidRequest()
		}
		return msg
	}

	if result, ok := fields["result"]; ok && idValid {
		msg.Kind, msg.Result = KindSuccess, result
		return msg
	}

	if rawErr, ok := fields["error"]; ok && (idValid || isNull(msg.ID)) {
		var e Error
		if err := json.Unmarshal(rawErr, &e); err != nil || e.Message == "" {
			e = Error{Code: json2.E_INTERNAL, Message: string(rawErr)}
		}
		msg.Kind, msg.Error = KindError, &e
		return msg
	}

	msg.Kind, msg.Error = KindInvalid, InvalidRequest()
	return msg
}

// IDEquals reports whether the message id is the number n.
func (m *Message) IDEquals(n uint64) bool {
	var v uint64
	if err := json.Unmarshal(m.ID, &v); err != nil {
		return false
	}
	return v == n
}

// ParamsArray decodes params as a positional list.
func (m *Message) ParamsArray() ([]json.RawMessage, bool) {
	var list []json.RawMessage
	if err := json.Unmarshal(m.Params, &list); err != nil || list == nil {
		return nil, false
	}
	return list, true
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	ID      uint64      `json:"id"`
	Params  interface{} `json:"params"`
}

type successResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

func NewRequest(id uint64, method string, params interface{}) ([]byte, error) {
	return json.Marshal(request{JSONRPC: Version, Method: method, ID: id, Params: params})
}

func NewSuccess(id json.RawMessage, result interface{}) ([]byte, error) {
	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(successResponse{JSONRPC: Version, ID: nullIfEmpty(id), Result: result})
}

func NewErrorResponse(id json.RawMessage, e *Error) ([]byte, error) {
	return json.Marshal(errorResponse{JSONRPC: Version, ID: nullIfEmpty(id), Error: e})
}

func validID(id json.RawMessage) bool {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return false
	}
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	}
	return false
}

func isNull(id json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(id), []byte("null"))
}

func nullIfEmpty(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
