package message

import "reflect"

// sameFunc compares two Handler values by code pointer, the closest Go
// gets to the C source's comparison of raw function pointers when
// looking a slot up by its handler.
func sameFunc(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
