package types

import (
	"strings"
	"time"
)

// ShortIDLength is the number of leading identifier characters used for
// the short and display forms.
const ShortIDLength = 8

// ShortID returns the 8-character short form of a full ticket
// identifier, uppercased. Returns "" if the identifier is too short.
func ShortID(full string) string {
	if len(full) < ShortIDLength {
		return ""
	}
	return strings.ToUpper(full[:ShortIDLength])
}

// DisplayID returns the human-facing "<PREFIX>-<shortid>" form.
func DisplayID(prefix, full string) string {
	short := ShortID(full)
	if short == "" {
		return ""
	}
	return strings.ToUpper(prefix) + "-" + short
}

// crockford maps Crockford base32 characters to their values. ULID
// identifiers use this alphabet (no I, L, O, U).
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var crockfordValue = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i, c := range crockford {
		table[c] = int8(i)
		table[strings.ToLower(string(c))[0]] = int8(i)
	}
	return table
}()

// ULIDTime decodes the 48-bit millisecond timestamp embedded in the
// first 10 characters of a ULID. Returns false if the identifier is too
// short or contains characters outside the Crockford alphabet.
func ULIDTime(id string) (time.Time, bool) {
	if len(id) < 10 {
		return time.Time{}, false
	}
	var ms int64
	for i := 0; i < 10; i++ {
		v := crockfordValue[id[i]]
		if v < 0 {
			return time.Time{}, false
		}
		ms = ms<<5 | int64(v)
	}
	return time.UnixMilli(ms).UTC(), true
}
