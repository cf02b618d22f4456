package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Token returns the identity of a computation argument for unit
// sharing. Value-shaped arguments compare by content through their JSON
// representation, so two occurrences of an equal element share one
// unit. Identity-shaped arguments (pointers, maps, slices, channels,
// functions) compare by address: a mutable element keeps its unit
// across in-place mutation.
func Token(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%x", v, rv.Pointer())
	}

	b, err := json.Marshal(v)
	if err != nil {
		// Non-marshalable value types fall back to the verbose format.
		return fmt.Sprintf("%T:%#v", v, v)
	}
	return fmt.Sprintf("%T:%s", v, b)
}
