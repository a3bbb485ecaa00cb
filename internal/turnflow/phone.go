package turnflow

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Speech recognition renders phone numbers unpredictably: "555-1234",
// "five five five...", "my number is 5551234567". The parser tries digit
// extraction with word-to-digit mapping, then normalizes through the
// phonenumbers library, accumulating partial digits across turns.

var digitWords = map[string]string{
	"zero": "0", "oh": "0", "o": "0",
	"one": "1", "won": "1",
	"two": "2", "to": "2", "too": "2",
	"three": "3",
	"four": "4", "for": "4", "fore": "4",
	"five": "5",
	"six":  "6",
	"seven": "7",
	"eight": "8", "ate": "8",
	"nine": "9",
}

// extractDigits pulls digits out of a speech result, mapping spoken digit
// words and discarding everything else.
func extractDigits(input string) string {
	var b strings.Builder
	for _, tok := range strings.Fields(strings.ToLower(input)) {
		tok = strings.Trim(tok, ".,!?-")
		if d, ok := digitWords[tok]; ok {
			b.WriteString(d)
			continue
		}
		for _, r := range tok {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// ParsePhone folds a new speech fragment into previously collected digits.
// It returns the normalized E.164 number once enough digits arrived, or the
// updated partial to carry into the next turn.
func ParsePhone(input, partial string) (e164, partialOut string, ok bool) {
	digits := partial + extractDigits(input)
	if len(digits) < 10 {
		return "", digits, false
	}

	// Callers often restate, so earlier digits may be stale: try the most
	// recent 11 (with country code) then 10.
	for _, n := range []int{11, 10} {
		if len(digits) < n {
			continue
		}
		cand := digits[len(digits)-n:]
		if n == 11 && cand[0] != '1' {
			continue
		}
		num, err := phonenumbers.Parse(cand, "US")
		// Possible-length check, not full validity: fictional 555 numbers
		// must still normalize.
		if err == nil && phonenumbers.IsPossibleNumber(num) {
			return phonenumbers.Format(num, phonenumbers.E164), "", true
		}
	}
	if len(digits) > 11 {
		digits = digits[len(digits)-11:]
	}
	return "", digits, false
}
