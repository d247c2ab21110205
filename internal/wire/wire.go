// Package wire is ASIAIR line protocol codec.
// Outbound: {"id":N,"method":"m","params":[...]}\r\n, params omitted when empty.
// Inbound: one JSON object per line, latin1 encoded, sometimes with garbage byte runs.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data"
)

const (
	MethodKeepalive    = "test_connection"
	MethodCurrentImage = "get_current_img"

	Charset = "iso-8859-1"
)

var (
	malformed1  = []byte{0x3c, 0x90, 0xad, 0x45, 0xb6, 0x3e}
	malformed2  = []byte{0x3c, 0xe8, 0x3e}
	placeholder = []byte("???")
	lineEnd     = []byte("\r\n")
)

type Request struct {
	ID     uint32        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params,omitempty"`
}

// Encode returns complete frame including line terminator.
func Encode(id uint32, method string, params ...interface{}) ([]byte, error) {
	if method == "" {
		return nil, errors.NotValidf("empty method")
	}
	r := Request{ID: id, Method: method}
	if len(params) > 0 {
		r.Params = params
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Annotatef(err, "encode method=%s", method)
	}
	return append(b, lineEnd...), nil
}

// Sanitize replaces byte runs the device emits inconsistently with "???".
func Sanitize(line []byte) []byte {
	if bytes.IndexByte(line, 0x3c) == -1 {
		return line
	}
	line = bytes.ReplaceAll(line, malformed1, placeholder)
	line = bytes.ReplaceAll(line, malformed2, placeholder)
	return line
}

// Frame is decoded inbound line.
// Reply and push event are not exclusive, one frame may be both.
type Frame struct {
	ID        uint32
	HasID     bool
	Method    string
	Result    json.RawMessage
	HasResult bool
	Error     json.RawMessage
	Event     string
	Raw       json.RawMessage
}

func (f *Frame) IsReply() bool { return f.HasID && f.Method != "" }
func (f *Frame) IsEvent() bool { return f.Event != "" }

func (f *Frame) String() string {
	switch {
	case f.IsReply() && f.IsEvent():
		return fmt.Sprintf("reply+event id=%d method=%s event=%s", f.ID, f.Method, f.Event)
	case f.IsReply():
		return fmt.Sprintf("reply id=%d method=%s result=%t", f.ID, f.Method, f.HasResult)
	case f.IsEvent():
		return fmt.Sprintf("event=%s", f.Event)
	}
	return fmt.Sprintf("frame raw=%s", string(f.Raw))
}

// Decoder is not safe for concurrent use, charset translator keeps internal buffer.
type Decoder struct {
	tr charset.Translator
}

func NewDecoder() (*Decoder, error) {
	tr, err := charset.TranslatorFrom(Charset)
	if err != nil {
		return nil, errors.Annotatef(err, "charset=%s", Charset)
	}
	return &Decoder{tr: tr}, nil
}

// Text converts raw latin1 line into UTF-8.
func (d *Decoder) Text(line []byte) ([]byte, error) {
	_, tb, err := d.tr.Translate(line, true)
	if err != nil {
		return nil, errors.Annotate(err, "charset translate")
	}
	// translator reuses single internal buffer, make a copy
	return append([]byte(nil), tb...), nil
}

func (d *Decoder) Decode(line []byte) (*Frame, error) {
	line = bytes.TrimSpace(Sanitize(line))
	if len(line) == 0 {
		return nil, errors.NotValidf("empty line")
	}
	text, err := d.Text(line)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(text, &m); err != nil {
		return nil, errors.NewNotValid(err, "json")
	}
	f := &Frame{Raw: text}
	if raw, ok := m["id"]; ok {
		var id uint32
		if json.Unmarshal(raw, &id) == nil {
			f.ID, f.HasID = id, true
		}
	}
	if raw, ok := m["method"]; ok {
		_ = json.Unmarshal(raw, &f.Method)
	}
	if raw, ok := m["result"]; ok {
		f.Result, f.HasResult = raw, true
	}
	f.Error = m["error"]
	if raw, ok := m["Event"]; ok {
		if err := json.Unmarshal(raw, &f.Event); err != nil {
			return nil, errors.NewNotValid(err, "Event name")
		}
	}
	return f, nil
}

// Unmarshal decodes typed result or event payload, mismatch is NotValid error.
func Unmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.NotValidf("empty payload for %T", v)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("decode %T", v))
	}
	return nil
}
