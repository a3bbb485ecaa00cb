package turnflow

import "testing"

func TestParsePhone_SpokenDigitWords(t *testing.T) {
	e164, _, ok := ParsePhone("five five five one two three four five six seven", "")
	if !ok {
		t.Fatal("expected a complete number")
	}
	if e164 != "+15551234567" {
		t.Fatalf("got %q", e164)
	}
}

func TestParsePhone_Homophones(t *testing.T) {
	e164, _, ok := ParsePhone("five five five won to three for five six seven", "")
	if !ok || e164 != "+15551234567" {
		t.Fatalf("got %q ok=%v", e164, ok)
	}
}

func TestParsePhone_PartialAccumulation(t *testing.T) {
	_, partial, ok := ParsePhone("five five five one two", "")
	if ok {
		t.Fatal("five digits should not complete a number")
	}
	if partial != "55512" {
		t.Fatalf("partial = %q", partial)
	}

	e164, partial, ok := ParsePhone("three four five six seven", partial)
	if !ok || e164 != "+15551234567" {
		t.Fatalf("got %q ok=%v", e164, ok)
	}
	if partial != "" {
		t.Fatalf("partial should clear on success, got %q", partial)
	}
}

func TestParsePhone_NumericWithCountryCode(t *testing.T) {
	e164, _, ok := ParsePhone("1-555-123-4567", "")
	if !ok || e164 != "+15551234567" {
		t.Fatalf("got %q ok=%v", e164, ok)
	}
}

func TestParsePhone_RestatedNumberKeepsLatestRun(t *testing.T) {
	// Caller restates; earlier digits fall off the front.
	e164, _, ok := ParsePhone("555 123 4567", "999888")
	if !ok || e164 != "+15551234567" {
		t.Fatalf("got %q ok=%v", e164, ok)
	}
}

func TestParsePhone_NoDigits(t *testing.T) {
	_, partial, ok := ParsePhone("um I don't remember", "")
	if ok || partial != "" {
		t.Fatalf("expected no progress, got partial=%q ok=%v", partial, ok)
	}
}
