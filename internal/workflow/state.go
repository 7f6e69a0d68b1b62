package workflow

import "reflect"

// State is the key/value map threaded through a run. A run owns its state;
// nodes running concurrently each get their own copy.
type State map[string]any

// Clone returns a shallow copy. Nested maps and slices are shared, so
// handlers replace values rather than mutate them in place.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// merge applies the changes out made relative to base onto dst: keys added
// or changed are copied and keys removed are deleted.
func merge(dst, base, out State) {
	for k, v := range out {
		if old, ok := base[k]; !ok || !reflect.DeepEqual(old, v) {
			dst[k] = v
		}
	}
	for k := range base {
		if _, ok := out[k]; !ok {
			delete(dst, k)
		}
	}
}
