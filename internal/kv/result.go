package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Cmd is one Redis command with its arguments already rendered as strings,
// e.g. {"SET", "k", "v", "NX", "EX", "60"}.
type Cmd []string

// Command renders args the way the REST pipeline and RESP both expect them.
func Command(name string, args ...any) Cmd {
	cmd := make(Cmd, 0, len(args)+1)
	cmd = append(cmd, name)
	for _, a := range args {
		cmd = append(cmd, toArg(a))
	}
	return cmd
}

func toArg(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Duration:
		return strconv.FormatInt(int64(x/time.Second), 10)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// Result is the reply to one pipelined command.
type Result struct {
	Value any
	Error string
}

// Err is non-nil when the store rejected this particular command.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return &Error{Op: "command", Kind: KindCommand, Err: errors.New(r.Error)}
}

func (r Result) IsNil() bool { return r.Error == "" && r.Value == nil }

// OK reports a simple "OK" status reply.
func (r Result) OK() bool {
	s, ok := r.Str()
	return ok && s == "OK"
}

func (r Result) Str() (string, bool) {
	switch v := r.Value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case json.Number:
		return v.String(), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}

func (r Result) Int() (int64, error) {
	if err := r.Err(); err != nil {
		return 0, err
	}
	switch v := r.Value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, &Error{Op: "result", Kind: KindDecode, Err: errors.New("nil reply")}
	default:
		return 0, &Error{Op: "result", Kind: KindDecode, Err: fmt.Errorf("unexpected reply type %T", v)}
	}
}

func (r Result) Strings() ([]string, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Value == nil {
		return nil, nil
	}
	items, ok := r.Value.([]any)
	if !ok {
		return nil, &Error{Op: "result", Kind: KindDecode, Err: fmt.Errorf("unexpected reply type %T", r.Value)}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := Result{Value: it}.Str()
		if !ok {
			return nil, &Error{Op: "result", Kind: KindDecode, Err: fmt.Errorf("unexpected element type %T", it)}
		}
		out = append(out, s)
	}
	return out, nil
}
