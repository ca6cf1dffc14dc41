package mcpgateway

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Result is what a gateway tool hands back to the front-facing server: either
// a backend result passed through untouched (Raw) or a value that still has to
// be rendered as content (Wrapped).
type Result interface {
	isResult()
}

// Raw carries a backend tool result that must reach the caller unmodified.
type Raw struct {
	Payload *mcp.CallToolResult
}

// Wrapped carries a value to render as JSON text content. A slice or array
// renders as one content block per element.
type Wrapped struct {
	Value any
}

func (Raw) isResult()     {}
func (Wrapped) isResult() {}

// Encode turns a Result into the CallToolResult returned to the caller.
//
// Wrapped values are sanitized on the way out: properties whose name starts
// with "_" are dropped, and a pointer, map, or slice seen a second time is
// omitted, which also breaks reference cycles.
func Encode(r Result) (*mcp.CallToolResult, error) {
	switch r := r.(type) {
	case Raw:
		if r.Payload == nil {
			return &mcp.CallToolResult{Content: []mcp.Content{}}, nil
		}
		return r.Payload, nil
	case Wrapped:
		var items []reflect.Value
		v := reflect.ValueOf(r.Value)
		if v.IsValid() && (v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 || v.Kind() == reflect.Array) {
			for i := 0; i < v.Len(); i++ {
				items = append(items, v.Index(i))
			}
		} else {
			items = []reflect.Value{v}
		}
		content := make([]mcp.Content, 0, len(items))
		for _, item := range items {
			s := newSanitizer()
			clean, ok := s.clean(item)
			if !ok {
				clean = nil
			}
			text, err := marshalJSON(clean)
			if err != nil {
				return nil, fmt.Errorf("mcpgateway: encode result: %w", err)
			}
			content = append(content, &mcp.TextContent{Text: string(text)})
		}
		return &mcp.CallToolResult{Content: content}, nil
	default:
		return nil, fmt.Errorf("mcpgateway: unsupported result %T", r)
	}
}

// marshalJSON encodes like JSON.stringify would: no HTML escaping, no
// trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// object is a JSON object that keeps its member order.
type object []member

type member struct {
	key   string
	value any
}

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalJSON(m.key)
		if err != nil {
			return nil, err
		}
		val, err := marshalJSON(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

type visit struct {
	ptr uintptr
	typ reflect.Type
}

// sanitizer rebuilds a value as plain JSON-ready data. Each value it reaches
// by reference is recorded; a second encounter is omitted.
type sanitizer struct {
	seen map[visit]struct{}
}

func newSanitizer() *sanitizer {
	return &sanitizer{seen: make(map[visit]struct{})}
}

func (s *sanitizer) enter(v reflect.Value) bool {
	key := visit{ptr: uintptr(v.UnsafePointer()), typ: v.Type()}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// clean returns the sanitized form of v, or false when v must be omitted.
func (s *sanitizer) clean(v reflect.Value) (any, bool) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, true
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, true
	}
	if m, ok := marshaler(v); ok {
		if v.Kind() == reflect.Pointer && !s.enter(v) {
			return nil, false
		}
		return s.cleanMarshaled(m)
	}

	switch v.Kind() {
	case reflect.Pointer:
		if !s.enter(v) {
			return nil, false
		}
		return s.clean(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		if !s.enter(v) {
			return nil, false
		}
		return s.cleanMap(v), true
	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), true
		}
		if v.Len() > 0 && !s.enter(v) {
			return nil, false
		}
		return s.cleanList(v), true
	case reflect.Array:
		return s.cleanList(v), true
	case reflect.Struct:
		return s.cleanStruct(v), true
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false
	default:
		return v.Interface(), true
	}
}

// marshaler reports whether v encodes itself, returning the value to encode.
func marshaler(v reflect.Value) (any, bool) {
	t := v.Type()
	if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
		return v.Interface(), true
	}
	if v.CanAddr() {
		pt := reflect.PointerTo(t)
		if pt.Implements(jsonMarshalerType) || pt.Implements(textMarshalerType) {
			return v.Addr().Interface(), true
		}
	}
	return nil, false
}

func (s *sanitizer) cleanMarshaled(m any) (any, bool) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, false
	}
	return s.clean(reflect.ValueOf(generic))
}

func (s *sanitizer) cleanMap(v reflect.Value) object {
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: mapKey(iter.Key()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	out := make(object, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.key, "_") {
			continue
		}
		if val, ok := s.clean(e.val); ok {
			out = append(out, member{key: e.key, value: val})
		}
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		if b, err := tm.MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}

// cleanList keeps element positions: an omitted element becomes null.
func (s *sanitizer) cleanList(v reflect.Value) []any {
	out := make([]any, v.Len())
	for i := range out {
		if val, ok := s.clean(v.Index(i)); ok {
			out[i] = val
		}
	}
	return out
}

func (s *sanitizer) cleanStruct(v reflect.Value) object {
	fields := structFields(v.Type())
	out := make(object, 0, len(fields))
	for _, f := range fields {
		fv, err := v.FieldByIndexErr(f.index)
		if err != nil {
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) || f.omitZero && fv.IsZero() {
			continue
		}
		if val, ok := s.clean(fv); ok {
			out = append(out, member{key: f.name, value: val})
		}
	}
	return out
}

type jsonField struct {
	name      string
	index     []int
	omitEmpty bool
	omitZero  bool
}

var fieldCache sync.Map // map[reflect.Type][]jsonField

// structFields lists the JSON-visible fields of t in declaration order,
// following encoding/json tag rules. Fields named with a leading underscore
// are dropped here.
func structFields(t reflect.Type) []jsonField {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]jsonField)
	}
	var fields []jsonField
	seen := map[string]bool{}
	var walk func(t reflect.Type, index []int)
	walk = func(t reflect.Type, index []int) {
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			tag := sf.Tag.Get("json")
			if tag == "-" {
				continue
			}
			name, opts, _ := strings.Cut(tag, ",")
			idx := append(append([]int(nil), index...), i)
			if sf.Anonymous && name == "" {
				ft := sf.Type
				if ft.Kind() == reflect.Pointer {
					ft = ft.Elem()
				}
				if ft.Kind() == reflect.Struct {
					walk(ft, idx)
					continue
				}
			}
			if !sf.IsExported() {
				continue
			}
			if name == "" {
				name = sf.Name
			}
			if strings.HasPrefix(name, "_") || seen[name] {
				continue
			}
			seen[name] = true
			fields = append(fields, jsonField{
				name:      name,
				index:     idx,
				omitEmpty: strings.Contains(","+opts+",", ",omitempty,"),
				omitZero:  strings.Contains(","+opts+",", ",omitzero,"),
			})
		}
	}
	walk(t, nil)
	fieldCache.Store(t, fields)
	return fields
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
