// Package integrity validates the fixed token carried in the first bytes of
// an epoch payload.
package integrity

// Check reports whether payload carries token as its prefix, byte for byte.
// A payload shorter than the token fails. Pure, no side effects.
func Check(payload []byte, token []byte) bool {
	if len(payload) < len(token) {
		return false
	}
	for i := range token {
		if payload[i] != token[i] {
			return false
		}
	}
	return true
}
