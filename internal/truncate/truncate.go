// Package truncate implements the head+tail string truncation used to
// keep captured stdout/error output bounded before it reaches an
// outbound LLM message (spec.md §4.1, component C2).
package truncate

import "unicode/utf8"

// Truncate returns s unchanged if its rune count is at most head+tail.
// Otherwise it returns the first head runes, the omission marker with
// the exact omitted count, and the last tail runes. Counting is done
// in runes (not bytes) so a multi-byte UTF-8 sequence is never split
// mid-sequence (spec.md §4.1 invariant).
func Truncate(s string, head, tail int) string {
	runes := []rune(s)
	total := len(runes)
	if total <= head+tail {
		return s
	}

	omitted := total - head - tail
	headPart := string(runes[:head])
	tailPart := string(runes[total-tail:])
	marker := formatMarker(omitted)
	return headPart + marker + tailPart
}

func formatMarker(n int) string {
	// Avoid fmt.Sprintf for the hot path; truncation runs on every eval
	// result and stdout capture.
	return "\n\n[... " + itoa(n) + " characters omitted ...]\n\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OverheadBytes is an upper bound on the omission marker's byte length
// for a string of up to maxOmitted omitted characters, usable by tests
// asserting property 7 of spec.md §8
// (stdout/error_output length <= head+tail+overhead).
func OverheadBytes(maxOmitted int) int {
	return len(markerOf(maxOmitted))
}

func markerOf(n int) string {
	return "\n\n[... " + itoa(n) + " characters omitted ...]\n\n"
}

// RuneLen returns the rune count of s, exported so callers computing
// "is this string going to be truncated" don't need to import
// unicode/utf8 themselves.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
