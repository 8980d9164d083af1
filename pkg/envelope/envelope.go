// Package envelope defines the unit of work that flows between stages: a job
// target, a free-form data payload and the completion/finalization bookkeeping
// that makes redelivery safe.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrMalformedEnvelope is returned when a transport body cannot be read as an envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Failure records which stage failed an envelope and why.
type Failure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Envelope is the mutable payload passed from stage to stage.
type Envelope struct {
	Job        string                 `json:"job"`
	MessageID  string                 `json:"message_id"`
	Data       map[string]interface{} `json:"data"`
	Complete   []string               `json:"complete"`
	Frozen     bool                   `json:"frozen,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Error      *Failure               `json:"error,omitempty"`
	Formatters []string               `json:"formatters,omitempty"`
}

// New creates an envelope destined for job with a fresh message id.
func New(job string, data map[string]interface{}) *Envelope {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Envelope{
		Job:       job,
		MessageID: uuid.NewString(),
		Data:      data,
		Complete:  []string{},
	}
}

// NewFromString creates an envelope from a raw producer payload. The payload is
// decoded as a JSON object; when that fails and jsonRequired is false the raw
// string is kept under data.value.
func NewFromString(job, raw string, jsonRequired bool) (*Envelope, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		if jsonRequired {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		data = map[string]interface{}{"value": raw}
	}
	return New(job, data), nil
}

// Unpack decodes a transport body into an envelope and applies defaults.
func Unpack(body []byte) (*Envelope, error) {
	if err := validate(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Data == nil {
		env.Data = make(map[string]interface{})
	}
	if env.Complete == nil {
		env.Complete = []string{}
	}
	if strings.TrimSpace(env.MessageID) == "" {
		env.MessageID = uuid.NewString()
	}
	return &env, nil
}

// Marshal encodes the envelope in its wire representation.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	return json.Marshal(env)
}

// Clone returns a deep copy. Data values keep their Go types.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Data, _ = deepCopy(e.Data).(map[string]interface{})
	if cp.Data == nil {
		cp.Data = make(map[string]interface{})
	}
	cp.Complete = append([]string{}, e.Complete...)
	cp.Formatters = append([]string(nil), e.Formatters...)
	if e.Error != nil {
		failure := *e.Error
		cp.Error = &failure
	}
	return &cp
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		if t == nil {
			return t
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return copyReflect(reflect.ValueOf(v)).Interface()
}

// copyReflect duplicates maps, slices and pointers of any other element type.
func copyReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyElem(iter.Value(), rv.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Elem().Type())
		out.Elem().Set(copyReflect(rv.Elem()))
		return out
	}
	return rv
}

func copyElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if typ.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(typ)
		}
		return reflect.ValueOf(deepCopy(v.Interface()))
	}
	return copyReflect(v)
}

// IsComplete reports whether id is in the complete set.
func (e *Envelope) IsComplete(id string) bool {
	for _, c := range e.Complete {
		if c == id {
			return true
		}
	}
	return false
}

// MarkComplete adds id to the complete set. Returns false if it was already present.
func (e *Envelope) MarkComplete(id string) bool {
	if e.IsComplete(id) {
		return false
	}
	e.Complete = append(e.Complete, id)
	return true
}

// DropCompletePrefix removes every complete entry starting with prefix and
// returns the removed entries.
func (e *Envelope) DropCompletePrefix(prefix string) []string {
	var removed []string
	kept := e.Complete[:0]
	for _, c := range e.Complete {
		if strings.HasPrefix(c, prefix) {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	e.Complete = kept
	return removed
}

// HasFormatter reports whether the formatter identity has already been applied.
func (e *Envelope) HasFormatter(name string) bool {
	for _, f := range e.Formatters {
		if f == name {
			return true
		}
	}
	return false
}

// RecordFormatter adds name to the applied formatter ledger.
func (e *Envelope) RecordFormatter(name string) {
	if !e.HasFormatter(name) {
		e.Formatters = append(e.Formatters, name)
	}
}

// Get walks data along keys. Returns nil when any segment is missing.
func (e *Envelope) Get(keys ...string) interface{} {
	var cur interface{} = e.Data
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[k]
		if !ok {
			return nil
		}
	}
	return cur
}

// Set stores value in data at keys, creating intermediate objects.
func (e *Envelope) Set(value interface{}, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	cur := e.Data
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// Lookup evaluates a gjson path against data.
func (e *Envelope) Lookup(path string) gjson.Result {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(b, path)
}

// Route returns data.router.route as stage identifiers.
func (e *Envelope) Route() []string {
	raw, ok := e.Get("router", "route").([]interface{})
	if !ok {
		if s, ok := e.Get("router", "route").([]string); ok {
			return s
		}
		return nil
	}
	route := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			route = append(route, s)
		} else if r != nil {
			route = append(route, fmt.Sprintf("%v", r))
		}
	}
	return route
}

// CompleteSorted returns a sorted copy of the complete set.
func (e *Envelope) CompleteSorted() []string {
	out := append([]string(nil), e.Complete...)
	sort.Strings(out)
	return out
}
