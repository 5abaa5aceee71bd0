// Package stdx carries tiny generic helpers used across the module.
package stdx

// Must0 panics if err is not nil. Use it for operations that cannot fail
// unless the program is misconfigured.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 returns v, panicking if err is not nil.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Must2 returns both values, panicking if err is not nil.
func Must2[T any, V any](t T, v V, err error) (T, V) {
	if err != nil {
		panic(err)
	}
	return t, v
}
