package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
)

// ErrNotObject is returned when a command payload is not a JSON object.
var ErrNotObject = errors.New("command must be a JSON object")

// RequestID correlates a deferred-result with the command waiting on it.
// String and numeric ids from the wire are normalised to their text.
type RequestID string

// Command is an immutable request decoded from the wire. Fields are kept
// verbatim so deferred payloads can be spliced into the waiting command.
// Numbers are held as json.Number.
type Command struct {
	fields map[string]any
}

// NewCommand builds a command from an action and extra fields.
func NewCommand(action Action, fields map[string]any) Command {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = normalizeValue(v)
	}
	m["action"] = string(action)
	return Command{fields: m}
}

// DecodeCommand parses a JSON object into a Command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := cmd.UnmarshalJSON(data); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c *Command) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	c.fields = fields
	return nil
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.fields)
}

// Action returns the command's action, or "" when absent.
func (c Command) Action() Action {
	s, _ := c.String("action")
	return Action(s)
}

// Channel returns the target channel id, defaulting to 0.
func (c Command) Channel() (int, error) {
	v, ok := c.fields["channel"]
	if !ok || v == nil {
		return 0, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("channel must be an integer, got %v", v)
	}
	return n, nil
}

// Deferred returns the request id the command waits on, if any.
func (c Command) Deferred() (RequestID, bool) {
	v, ok := c.fields["deferred"]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return RequestID(t), true
	case json.Number:
		return RequestID(t.String()), true
	default:
		return RequestID(fmt.Sprint(t)), true
	}
}

// Get returns a raw field.
func (c Command) Get(key string) (any, bool) {
	v, ok := c.fields[key]
	return v, ok
}

// Has reports whether the field is present and not null.
func (c Command) Has(key string) bool {
	v, ok := c.fields[key]
	return ok && v != nil
}

// String returns a string field.
func (c Command) String(key string) (string, bool) {
	s, ok := c.fields[key].(string)
	return s, ok
}

// Bool reports whether a field is truthy: true, a non-zero number or a
// non-empty string.
func (c Command) Bool(key string) bool {
	switch t := c.fields[key].(type) {
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		return t != ""
	default:
		return false
	}
}

// Text returns the text of a say command.
func (c Command) Text() (string, bool) { return c.String("text") }

// URL returns the remote resource of a play or stream command.
func (c Command) URL() (string, bool) { return c.String("url") }

// Filename returns the local resource of a play command.
func (c Command) Filename() (string, bool) { return c.String("filename") }

// Cache reports whether a remote resource should be materialised locally.
func (c Command) Cache() bool { return c.Bool("cache") }

// Invalid reports whether the resource was flagged unusable by the page.
func (c Command) Invalid() bool { return c.Bool("invalid") }

// Loop reports whether playback should repeat.
func (c Command) Loop() bool { return c.Bool("loop") }

// PropertyName returns the property targeted by set-now and set-queued.
func (c Command) PropertyName() (string, bool) { return c.String("name") }

// PropertyValue returns the value of a set-now or set-queued command.
func (c Command) PropertyValue() (any, bool) { return c.Get("value") }

// Name returns the caller's correlation tag, or nil.
func (c Command) Name() any { return c.fields["name"] }

// With returns a copy of the command with one field replaced.
func (c Command) With(key string, value any) Command {
	m := maps.Clone(c.fields)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = normalizeValue(value)
	return Command{fields: m}
}

// WithDeferredResult splices a deferred payload into the command. The
// payload's fields win, except action, which always stays the original's.
// The deferred id is consumed by the splice.
func (c Command) WithDeferredResult(result Command) Command {
	m := maps.Clone(c.fields)
	if m == nil {
		m = make(map[string]any, len(result.fields))
	}
	for k, v := range result.fields {
		m[k] = v
	}
	m["action"] = string(c.Action())
	delete(m, "deferred")
	return Command{fields: m}
}

// Fields returns a copy of the raw fields.
func (c Command) Fields() map[string]any { return maps.Clone(c.fields) }

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.Atoi(t.String()); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil || f != float64(int(f)) {
			return 0, false
		}
		return int(f), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// normalizeValue keeps Go literals used by callers in the same shape the
// decoder produces, so tests and wire input behave alike.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return json.Number(strconv.Itoa(t))
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case float64:
		return json.Number(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		return json.Number(strconv.FormatFloat(float64(t), 'g', -1, 32))
	default:
		return v
	}
}
