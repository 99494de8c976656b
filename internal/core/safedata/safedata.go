// Package safedata turns arbitrary payload data into a bounded form safe to
// hold in the live store: recursion depth is capped, long strings and large
// collections are clipped, and cycles in in-process values are replaced with
// a placeholder. Clipping is reported alongside the value, never silently.
package safedata

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

const (
	maxDepth      = 8
	maxValueBytes = 64 << 10
	maxStringLen  = 8 << 10
	maxItems      = 256

	depthPlaceholder    = "[max depth exceeded]"
	circularPlaceholder = "[circular]"
	oversizePlaceholder = "[value exceeded capture budget]"
)

var parsers fastjson.ParserPool

type flags struct {
	truncated    bool
	circularRefs int
	depthClipped bool
}

func (f flags) capture(value []byte) *domain.DataCapture {
	return &domain.DataCapture{
		Value:        value,
		Truncated:    f.truncated,
		CircularRefs: f.circularRefs,
		DepthClipped: f.depthClipped,
	}
}

// CaptureRaw bounds a JSON document that arrived over the wire. Invalid JSON
// is stored as a quoted string rather than rejected; wire data cannot contain
// cycles, so CircularRefs is always zero on this path.
func CaptureRaw(raw []byte) *domain.DataCapture {
	if len(raw) == 0 {
		return nil
	}

	var f flags
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		s := string(raw)
		if len(s) > maxStringLen {
			s = s[:maxStringLen]
			f.truncated = true
		}
		quoted, _ := json.Marshal(s)
		return f.capture(quoted)
	}

	bounded := boundRaw(v, 0, &f)
	if !f.truncated && !f.depthClipped && len(raw) <= maxValueBytes {
		return f.capture(append([]byte(nil), raw...))
	}
	return marshalBounded(bounded, f)
}

// Capture bounds an in-process Go value. Cycles are detected along the walk
// path and replaced with a placeholder.
func Capture(v any) (dc *domain.DataCapture) {
	if v == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			quoted, _ := json.Marshal(oversizePlaceholder)
			dc = &domain.DataCapture{Value: quoted, Truncated: true}
		}
	}()

	c := &capturer{seen: make(map[uintptr]struct{})}
	bounded := c.walk(reflect.ValueOf(v), 0)
	return marshalBounded(bounded, c.flags)
}

func marshalBounded(bounded any, f flags) *domain.DataCapture {
	raw, err := json.Marshal(bounded)
	if err != nil || len(raw) > maxValueBytes {
		f.truncated = true
		raw, _ = json.Marshal(oversizePlaceholder)
	}
	return f.capture(raw)
}

func boundRaw(v *fastjson.Value, depth int, f *flags) any {
	if depth > maxDepth {
		f.depthClipped = true
		return depthPlaceholder
	}
	switch v.Type() {
	case fastjson.TypeObject:
		obj, _ := v.Object()
		m := make(map[string]any, obj.Len())
		n := 0
		obj.Visit(func(key []byte, val *fastjson.Value) {
			if n >= maxItems {
				f.truncated = true
				return
			}
			m[string(key)] = boundRaw(val, depth+1, f)
			n++
		})
		return m
	case fastjson.TypeArray:
		arr, _ := v.Array()
		if len(arr) > maxItems {
			f.truncated = true
			arr = arr[:maxItems]
		}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			out = append(out, boundRaw(item, depth+1, f))
		}
		return out
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return f.boundString(string(b))
	case fastjson.TypeNumber:
		n, _ := v.Float64()
		return n
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}

func (f *flags) boundString(s string) string {
	if len(s) > maxStringLen {
		f.truncated = true
		return s[:maxStringLen]
	}
	return s
}

type capturer struct {
	flags
	seen map[uintptr]struct{}
}

func (c *capturer) walk(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxDepth {
		c.depthClipped = true
		return depthPlaceholder
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return c.walk(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
	}

	if v.CanInterface() {
		switch iv := v.Interface().(type) {
		case time.Time:
			return iv.Format(time.RFC3339Nano)
		case time.Duration:
			return iv.String()
		case error:
			return c.boundString(iv.Error())
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		ptr := v.Pointer()
		if _, ok := c.seen[ptr]; ok {
			c.circularRefs++
			return circularPlaceholder
		}
		c.seen[ptr] = struct{}{}
		out := c.walk(v.Elem(), depth)
		delete(c.seen, ptr)
		return out
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		fv := v.Float()
		if math.IsNaN(fv) || math.IsInf(fv, 0) {
			return fmt.Sprint(fv)
		}
		return fv
	case reflect.String:
		return c.boundString(v.String())
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[%d bytes]", v.Len())
		}
		ptr := v.Pointer()
		if _, ok := c.seen[ptr]; ok {
			c.circularRefs++
			return circularPlaceholder
		}
		c.seen[ptr] = struct{}{}
		out := c.walkSequence(v, depth)
		delete(c.seen, ptr)
		return out
	case reflect.Array:
		return c.walkSequence(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := c.seen[ptr]; ok {
			c.circularRefs++
			return circularPlaceholder
		}
		c.seen[ptr] = struct{}{}
		out := c.walkMap(v, depth)
		delete(c.seen, ptr)
		return out
	case reflect.Struct:
		return c.walkStruct(v, depth)
	default:
		return "[" + v.Kind().String() + "]"
	}
}

func (c *capturer) walkSequence(v reflect.Value, depth int) any {
	n := v.Len()
	if n > maxItems {
		c.truncated = true
		n = maxItems
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.walk(v.Index(i), depth+1))
	}
	return out
}

func (c *capturer) walkMap(v reflect.Value, depth int) any {
	keys := v.MapKeys()
	names := make([]string, 0, len(keys))
	byName := make(map[string]reflect.Value, len(keys))
	for _, k := range keys {
		name := fmt.Sprint(k.Interface())
		names = append(names, name)
		byName[name] = v.MapIndex(k)
	}
	sort.Strings(names)
	if len(names) > maxItems {
		c.truncated = true
		names = names[:maxItems]
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = c.walk(byName[name], depth+1)
	}
	return out
}

func (c *capturer) walkStruct(v reflect.Value, depth int) any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			base, _, _ := strings.Cut(tag, ",")
			if base == "-" {
				continue
			}
			if base != "" {
				name = base
			}
		}
		out[name] = c.walk(v.Field(i), depth+1)
	}
	return out
}
