package rpc

import (
	"encoding/json"
	"sync"

	"github.com/im7mortal/kmutex"
)

// ParamDecl declares one parameter slot of a registered method: its
// name (for by-name dispatch) and a constructor for the Go type its
// value decodes into. New must return a fresh pointer; json.Unmarshal
// is called against it.
type ParamDecl struct {
	Name string
	New  func() any

	// Raw marks a lone declared parameter as a passthrough: the
	// entire params value, whatever its JSON shape, is handed to New's
	// decoder verbatim rather than split by position or by name. Used
	// by label handlers, whose single payload may be a bare array
	// tuple, a bare object, or a bare scalar depending on what the
	// label denotes.
	Raw bool
}

// HandlerFunc is invoked once params have been normalized to a
// positional slice of decoded pointers, one per declared ParamDecl, in
// declaration order. Its return value becomes the JSON-RPC result (for
// a request) or is ignored (for a notification).
type HandlerFunc func(args []any) (any, error)

// Handler is a registered method: its declared parameter shape plus the
// invocation thunk: a table of handler objects keyed by name, each
// able to decode-and-invoke for its own declared parameter shape.
type Handler struct {
	Params []ParamDecl
	Fn     HandlerFunc
}

// methodRegistry is the process-local (here: per-Conn) mapping from
// method name to Handler. The map itself is a sync.Map, so a lookup
// for one name never blocks a concurrent add or remove of a different
// name; add and remove each need their own check-then-mutate ("only
// if not already present" / "only if present") to be atomic per name,
// which a sync.Map's individual Load/Store/Delete calls don't give by
// themselves, so that one step is additionally serialized per name by
// a mutex keyed on the method name — github.com/im7mortal/kmutex —
// rather than by a registry-wide lock that would serialize every name
// together.
type methodRegistry struct {
	keys     *kmutex.Kmutex
	handlers sync.Map // string -> *Handler
}

func newMethodRegistry() *methodRegistry {
	return &methodRegistry{
		keys: kmutex.New(),
	}
}

// add inserts handler under name. It returns false without modifying
// the registry if name is already registered.
func (r *methodRegistry) add(name string, h *Handler) bool {
	r.keys.Lock(name)
	defer r.keys.Unlock(name)

	if _, exists := r.handlers.Load(name); exists {
		return false
	}
	r.handlers.Store(name, h)
	return true
}

// remove deletes the handler registered under name. It returns false if
// name was not registered.
func (r *methodRegistry) remove(name string) bool {
	r.keys.Lock(name)
	defer r.keys.Unlock(name)

	if _, exists := r.handlers.Load(name); !exists {
		return false
	}
	r.handlers.Delete(name)
	return true
}

func (r *methodRegistry) lookup(name string) (*Handler, bool) {
	v, ok := r.handlers.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Handler), true
}

// decodeParams normalizes raw into a positional slice of decoded
// pointers per h.Params, accepting three shapes: by-position array,
// by-name object, or (for a single declared parameter) a bare value
// decoded directly.
func decodeParams(h *Handler, raw json.RawMessage) ([]any, error) {
	if len(h.Params) == 0 {
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errMissingParams
	}

	if len(h.Params) == 1 && h.Params[0].Raw {
		v := h.Params[0].New()
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		return []any{v}, nil
	}

	switch firstNonSpace(raw) {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		if len(items) != len(h.Params) {
			return nil, errArity
		}
		args := make([]any, len(h.Params))
		for i, decl := range h.Params {
			v := decl.New()
			if err := json.Unmarshal(items[i], v); err != nil {
				return nil, err
			}
			args[i] = v
		}
		return args, nil
	case '{':
		if len(h.Params) == 1 && h.Params[0].Name == "" {
			v := h.Params[0].New()
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
			return []any{v}, nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		args := make([]any, len(h.Params))
		for i, decl := range h.Params {
			item, ok := obj[decl.Name]
			if !ok {
				return nil, errArity
			}
			v := decl.New()
			if err := json.Unmarshal(item, v); err != nil {
				return nil, err
			}
			args[i] = v
		}
		return args, nil
	default:
		if len(h.Params) != 1 {
			return nil, errArity
		}
		v := h.Params[0].New()
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
}

func firstNonSpace(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
