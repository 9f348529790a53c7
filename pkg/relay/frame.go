package relay

import (
	"encoding/json"
	"fmt"
)

// Frame top-level types.
const (
	FrameSignedData          = "signed_data"
	FrameClientListRequest   = "client_list_request"
	FrameClientList          = "client_list"
	FrameClientUpdate        = "client_update"
	FrameClientUpdateRequest = "client_update_request"
	FrameError               = "error"
)

// signed_data payload ("data.type") variants.
const (
	DataHello       = "hello"
	DataServerHello = "server_hello"
	DataChat        = "chat"
	DataPublicChat  = "public_chat"
)

// requiredTopFields lists the fields required for each
// top-level frame type, mirroring original_source's message_fits_standard
// table exactly.
var requiredTopFields = map[string][]string{
	FrameSignedData:          {"type", "data", "counter", "signature"},
	FrameClientListRequest:   {"type"},
	FrameClientList:          {"type", "servers"},
	FrameClientUpdate:        {"type", "clients"},
	FrameClientUpdateRequest: {"type"},
}

// requiredDataFields lists the fields required inside data for each
// signed_data variant.
var requiredDataFields = map[string][]string{
	DataHello:       {"type", "public_key"},
	DataServerHello: {"type", "sender"},
	DataChat:        {"type", "destination_servers", "iv", "symm_keys", "chat"},
	DataPublicChat:  {"type", "sender", "message"},
}

// Frame is a decoded, validated wire frame. Raw holds the exact bytes the
// frame was decoded from, so chat/public_chat payloads can be forwarded
// byte-for-bytes without being re-marshaled.
type Frame struct {
	Raw []byte

	Type string

	// signed_data fields.
	Data      json.RawMessage
	DataType  string
	Counter   int64
	Signature string

	// client_list fields.
	Servers []ServerEntry

	// client_update fields.
	Clients []string
}

// ServerEntry is one element of a client_list frame's "servers" array.
type ServerEntry struct {
	Address string   `json:"address"`
	Clients []string `json:"clients"`
}

// HelloData is the inner payload of a signed_data{type:"hello"} frame.
type HelloData struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
}

// ServerHelloData is the inner payload of a signed_data{type:"server_hello"} frame.
type ServerHelloData struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

// ChatData is the inner payload of a signed_data{type:"chat"} frame.
type ChatData struct {
	Type               string   `json:"type"`
	DestinationServers []string `json:"destination_servers"`
	IV                 string   `json:"iv"`
	SymmKeys           []string `json:"symm_keys"`
	Chat               string   `json:"chat"`
}

// PublicChatData is the inner payload of a signed_data{type:"public_chat"} frame.
type PublicChatData struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// ParseFrame decodes and schema-validates a single wire frame. The codec is
// pure: it never performs I/O and never checks signatures.
func ParseFrame(raw []byte) (*Frame, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	typ, err := rawString(top, "type")
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid \"type\"", ErrMalformed)
	}

	required, ok := requiredTopFields[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnknownType, typ)
	}
	if err := requireFields(top, required); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	f := &Frame{Raw: raw, Type: typ}

	switch typ {
	case FrameSignedData:
		f.Data = top["data"]

		var dataTop map[string]json.RawMessage
		if err := json.Unmarshal(f.Data, &dataTop); err != nil {
			return nil, fmt.Errorf("%w: data is not an object", ErrMalformed)
		}
		dataType, err := rawString(dataTop, "type")
		if err != nil {
			return nil, fmt.Errorf("%w: data missing or invalid \"type\"", ErrMalformed)
		}
		dreq, ok := requiredDataFields[dataType]
		if !ok {
			return nil, fmt.Errorf("%w: unknown data.type %q", ErrUnknownType, dataType)
		}
		if err := requireFields(dataTop, dreq); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f.DataType = dataType

		if err := json.Unmarshal(top["counter"], &f.Counter); err != nil {
			return nil, fmt.Errorf("%w: invalid \"counter\"", ErrMalformed)
		}
		if err := json.Unmarshal(top["signature"], &f.Signature); err != nil {
			return nil, fmt.Errorf("%w: invalid \"signature\"", ErrMalformed)
		}
	case FrameClientList:
		if err := json.Unmarshal(top["servers"], &f.Servers); err != nil {
			return nil, fmt.Errorf("%w: invalid \"servers\"", ErrMalformed)
		}
	case FrameClientUpdate:
		if err := json.Unmarshal(top["clients"], &f.Clients); err != nil {
			return nil, fmt.Errorf("%w: invalid \"clients\"", ErrMalformed)
		}
	}

	return f, nil
}

// DecodeHello decodes f.Data as a HelloData. Only valid when f.DataType == DataHello.
func (f *Frame) DecodeHello() (HelloData, error) {
	var h HelloData
	err := json.Unmarshal(f.Data, &h)
	return h, err
}

// DecodeServerHello decodes f.Data as a ServerHelloData.
func (f *Frame) DecodeServerHello() (ServerHelloData, error) {
	var s ServerHelloData
	err := json.Unmarshal(f.Data, &s)
	return s, err
}

// DecodeChat decodes f.Data as a ChatData.
func (f *Frame) DecodeChat() (ChatData, error) {
	var c ChatData
	err := json.Unmarshal(f.Data, &c)
	return c, err
}

// DecodePublicChat decodes f.Data as a PublicChatData.
func (f *Frame) DecodePublicChat() (PublicChatData, error) {
	var p PublicChatData
	err := json.Unmarshal(f.Data, &p)
	return p, err
}

// EncodeClientList marshals a client_list frame.
func EncodeClientList(servers []ServerEntry) ([]byte, error) {
	if servers == nil {
		servers = []ServerEntry{}
	}
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Servers []ServerEntry `json:"servers"`
	}{FrameClientList, servers})
}

// EncodeClientUpdate marshals a client_update frame.
func EncodeClientUpdate(clients []Identity) ([]byte, error) {
	ss := make([]string, len(clients))
	for i, c := range clients {
		ss[i] = string(c)
	}
	if ss == nil {
		ss = []string{}
	}
	return json.Marshal(struct {
		Type    string   `json:"type"`
		Clients []string `json:"clients"`
	}{FrameClientUpdate, ss})
}

// EncodeClientUpdateRequest marshals a client_update_request frame.
func EncodeClientUpdateRequest() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{FrameClientUpdateRequest})
}

// EncodeClientListRequest marshals a client_list_request frame.
func EncodeClientListRequest() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{FrameClientListRequest})
}

// EncodeError marshals an {"error": reason} frame.
func EncodeError(reason string) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{reason})
	return b
}

// EncodeSignedData marshals a signed_data envelope around data, with the
// given counter and base64 signature. data must already be valid JSON.
func EncodeSignedData(data json.RawMessage, counter int64, signature string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Counter   int64           `json:"counter"`
		Signature string          `json:"signature"`
	}{FrameSignedData, data, counter, signature})
}

func rawString(m map[string]json.RawMessage, key string) (string, error) {
	raw, ok := m[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return s, nil
}

func requireFields(m map[string]json.RawMessage, fields []string) error {
	for _, field := range fields {
		if _, ok := m[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}
