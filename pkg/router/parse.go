package router

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/modoterra/rtlstream/pkg/core"
)

// ErrNotObject is returned for lines that are valid JSON but not an object.
var ErrNotObject = errors.New("line is not a JSON object")

var parserPool fastjson.ParserPool

// ParseLine decodes one rtl_433 JSON line into a Record. Numbers decode as
// float64; the id keeps its textual form.
func ParseLine(line []byte) (*core.Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil {
		return nil, err
	}
	obj, err := v.Object()
	if err != nil {
		return nil, ErrNotObject
	}

	fields := make(map[string]any, obj.Len())
	var id string
	obj.Visit(func(key []byte, val *fastjson.Value) {
		k := string(key)
		fields[k] = toValue(val)
		if k == core.FieldID && val.Type() == fastjson.TypeNumber {
			id = string(val.MarshalTo(nil))
		}
	})

	raw := make([]byte, len(line))
	copy(raw, line)
	return core.NewRecordWithID(fields, id, raw), nil
}

// toValue copies a fastjson value out of the parser's buffers.
func toValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		m := make(map[string]any, obj.Len())
		obj.Visit(func(key []byte, val *fastjson.Value) {
			m[string(key)] = toValue(val)
		})
		return m
	case fastjson.TypeArray:
		arr, _ := v.Array()
		out := make([]any, len(arr))
		for i, el := range arr {
			out[i] = toValue(el)
		}
		return out
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return string(b)
	case fastjson.TypeNumber:
		f, _ := v.Float64()
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}
