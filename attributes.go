package rowan

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rowan-db/rowan/common"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Get runs the attribute pipeline for a name: hook interception, jsonable
// decoding, cast application. Unknown names fall back to capability providers
// and then to relation access; a relation not yet loaded resolves lazily
// unless the mapper forbids lazy loading.
func (r *Record) Get(name string) (interface{}, error) {
	if name == "" {
		return nil, common.ErrEmptyAttributeName
	}
	_, has := r.attributes.Get(name)
	if has || r.schema.hasCast(name) || r.schema.accessor(name) != nil {
		return r.GetAttributeValue(name)
	}

	for _, c := range r.allCapabilities() {
		if ap, ok := c.(AttributeProvider); ok {
			if v, ok := ap.Attribute(r, name); ok {
				return v, nil
			}
		}
	}

	if v, loaded := r.relations[name]; loaded {
		return v, nil
	}
	if _, ok := r.relationDef(name); ok {
		if r.mapper == nil {
			return nil, common.ErrMapperNotAttached
		}
		return r.mapper.ResolveRelation(r.ctx(), r, name)
	}

	return nil, fmt.Errorf("%w: attribute or relation %q on %s", common.ErrNotFound, name, r.schema.Name)
}

// GetAttributeValue runs the pipeline for a known attribute, never touching
// relations. beforeGet may short-circuit with an override; jsonable text
// decodes fail-soft (malformed JSON keeps the raw string); casts and date
// coercion apply last before afterGet.
func (r *Record) GetAttributeValue(name string) (interface{}, error) {
	ctx := r.ctx()
	if out := r.fire(ctx, PhaseBeforeGet, name, nil); out.IsOverride() {
		return out.Value(), nil
	}

	var v interface{}
	if acc := r.schema.accessor(name); acc != nil {
		v = acc(r)
	} else {
		v, _ = r.attributes.Get(name)
	}

	if r.schema.IsJSONable(name) {
		v = decodeJSONable(v)
	}

	v, err := r.applyCast(name, v)
	if err != nil {
		return nil, err
	}

	if out := r.fire(ctx, PhaseAfterGet, name, v); out.IsOverride() && out.Value() != nil {
		v = out.Value()
	}
	return v, nil
}

// Set runs the set pipeline. An empty name is a programming error. A relation
// name without a custom mutator bypasses the pipeline and assigns the
// relation directly.
func (r *Record) Set(name string, value interface{}) error {
	if name == "" {
		return common.ErrEmptyAttributeName
	}
	if _, ok := r.relationDef(name); ok && r.schema.mutator(name) == nil {
		r.SetRelation(name, value)
		return nil
	}

	ctx := r.ctx()
	out := r.fire(ctx, PhaseBeforeSet, name, value)
	if out.IsCancel() {
		return nil
	}
	if out.IsOverride() {
		value = out.Value()
	}

	if mut := r.schema.mutator(name); mut != nil {
		value = mut(r, value)
	}

	if r.schema.IsJSONable(name) && value != nil {
		if isStructured(value) || !isEmptyValue(value) {
			if s, err := jsonAPI.MarshalToString(value); err == nil {
				value = s
			}
		}
	}

	if r.trimStrings() {
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(s)
		}
	}

	r.attributes.Set(name, value)

	r.fire(ctx, PhaseAfterSet, name, value) // return value ignored
	return nil
}

// Fill sets multiple attributes through the pipeline, in sorted key order.
func (r *Record) Fill(attrs map[string]interface{}) error {
	for _, name := range sortedKeys(attrs) {
		if err := r.Set(name, attrs[name]); err != nil {
			return err
		}
	}
	return nil
}

// ToOutputMap produces the full externally-visible attribute set. Order of
// passes matters: casts skip keys already produced by an accessor, and
// jsonable decoding only touches textual values so structured ones are never
// double-decoded.
func (r *Record) ToOutputMap() map[string]interface{} {
	ctx := r.ctx()

	names := r.schema.Arrayable
	if len(names) == 0 {
		names = r.attributes.Keys()
	}

	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		v, _ := r.attributes.Get(name)
		if o := r.fire(ctx, PhaseBeforeGet, name, v); o.IsOverride() {
			v = o.Value()
		}
		out[name] = v
	}

	for _, name := range r.schema.Dates {
		if v, ok := out[name]; ok && v != nil {
			if t, err := asDateTime(v, r.storageFormat()); err == nil {
				out[name] = t
			}
		}
	}

	mutated := make(map[string]bool)
	for name, acc := range r.schema.Accessors {
		if _, ok := out[name]; ok {
			out[name] = acc(r)
			mutated[name] = true
		}
	}

	for name := range r.schema.Casts {
		if v, ok := out[name]; ok && !mutated[name] {
			if cast, err := r.applyCast(name, v); err == nil {
				out[name] = cast
			}
		}
	}

	for _, name := range r.schema.Appends {
		if acc := r.schema.accessor(name); acc != nil {
			out[name] = acc(r)
			mutated[name] = true
		}
	}

	for _, name := range r.schema.JSONable {
		if v, ok := out[name]; ok && !mutated[name] {
			if _, isText := v.(string); isText {
				out[name] = decodeJSONable(v)
			}
		}
	}

	for name, v := range out {
		if o := r.fire(ctx, PhaseAfterGet, name, v); o.IsOverride() && o.Value() != nil {
			out[name] = o.Value()
		}
	}
	return out
}

// persistPayload builds the outgoing row: purgeable and dynamic attributes
// excluded, jsonable values encoded to text, dates formatted per the storage
// format. A structured value on an attribute not declared jsonable is a
// configuration error naming the attribute.
func (r *Record) persistPayload() (map[string]interface{}, error) {
	payload := make(map[string]interface{}, r.attributes.Len())
	format := r.storageFormat()
	for _, name := range r.attributes.Keys() {
		if r.schema.IsPurgeable(name) || r.isInstanceAttr(name) {
			continue
		}
		v, _ := r.attributes.Get(name)
		if isStructured(v) {
			if !r.schema.IsJSONable(name) {
				return nil, fmt.Errorf("%w: attribute %q", common.ErrNotJSONable, name)
			}
			s, err := jsonAPI.MarshalToString(v)
			if err != nil {
				return nil, fmt.Errorf("encode jsonable %q: %w", name, err)
			}
			v = s
		}
		if t, ok := v.(time.Time); ok {
			v = t.Format(format)
		} else if r.schema.IsDate(name) && v != nil {
			if t, err := asDateTime(v, format); err == nil {
				v = t.Format(format)
			}
		}
		payload[name] = v
	}
	return payload, nil
}

func (r *Record) applyCast(name string, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if r.schema.IsDate(name) {
		t, err := asDateTime(v, r.storageFormat())
		if err != nil {
			return nil, fmt.Errorf("cast %q: %w", name, err)
		}
		return t, nil
	}
	if r.schema.Casts == nil {
		return v, nil
	}
	switch r.schema.Casts[name] {
	case CastInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case CastFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case CastBool:
		if b, ok := toBool(v); ok {
			return b, nil
		}
	case CastDate:
		t, err := asDateTime(v, r.storageFormat())
		if err != nil {
			return nil, fmt.Errorf("cast %q: %w", name, err)
		}
		return t, nil
	case CastCustom:
		if r.schema.CastFuncs != nil {
			if fn := r.schema.CastFuncs[name]; fn != nil {
				return fn(v), nil
			}
		}
	}
	return v, nil
}

// decodeJSONable attempts to decode JSON text back to structured form.
// Decoding failure keeps the raw value untouched so partially-migrated data
// stays readable.
func decodeJSONable(v interface{}) interface{} {
	var text string
	switch s := v.(type) {
	case string:
		text = s
	case []byte:
		text = string(s)
	default:
		return v
	}
	if text == "" {
		return v
	}
	var decoded interface{}
	if err := jsonAPI.UnmarshalFromString(text, &decoded); err != nil {
		return v
	}
	return decoded
}

func (r *Record) fire(ctx context.Context, phase Phase, attr string, value interface{}) HookOutcome {
	if r.mapper == nil {
		return Continue()
	}
	return r.mapper.events.fire(ctx, &Event{Phase: phase, Record: r, Attribute: attr, Value: value})
}

func (r *Record) ctx() context.Context {
	if r.mapper != nil {
		return r.mapper.ctx
	}
	return context.Background()
}

func (r *Record) storageFormat() string {
	if r.mapper != nil && r.mapper.opts.StorageDateFormat != "" {
		return r.mapper.opts.StorageDateFormat
	}
	return DefaultStorageDateFormat
}

func (r *Record) trimStrings() bool {
	return r.mapper != nil && r.mapper.opts.TrimStrings
}

func (r *Record) allCapabilities() []Capability {
	caps := r.schema.Capabilities()
	return append(caps, r.capabilities...)
}

// --- Conversion helpers ---

func isStructured(v interface{}) bool {
	switch v.(type) {
	case nil, string, []byte, time.Time, *time.Time:
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case []byte:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, true
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int64:
		return b != 0, true
	case int:
		return b != 0, true
	case float64:
		return b != 0, true
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, true
		}
	}
	return false, false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
