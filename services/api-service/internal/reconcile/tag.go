package reconcile

import "strings"

// The correlation tag embedded in the transfer memo. One scheme everywhere:
// the booking UUID behind a fixed prefix.
const tagPrefix = "kibby:"

func Tag(bookingID string) string {
	return tagPrefix + bookingID
}

// BookingIDFromMemo extracts the booking id from observed memo bytes. Indexers
// sometimes wrap or concatenate memo content, so the tag is searched for, not
// matched exactly.
func BookingIDFromMemo(memo string) (string, bool) {
	idx := strings.Index(memo, tagPrefix)
	if idx < 0 {
		return "", false
	}
	rest := memo[idx+len(tagPrefix):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return !(r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F'))
	})
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
