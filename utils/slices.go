package utils

// Reverse returns a reversed copy of s. Used to turn MAC addresses into the
// little-endian order HCI commands expect.
func Reverse[S ~[]E, E any](s S) S {
	out := make(S, len(s))

	for i, v := range s {
		out[len(s)-1-i] = v
	}

	return out
}
