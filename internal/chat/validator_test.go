package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name        string
		sender      string
		recipient   string
		typ         Type
		message     string
		wantErr     bool
		wantMissing bool
	}{
		{"valid text", "u1", "u2", TypeText, "hi", false, false},
		{"valid image", "u1", "u2", TypeImage, "https://cdn.example.com/a.png", false, false},
		{"valid video", "u1", "u2", TypeVideo, "https://cdn.example.com/a.mp4", false, false},
		{"missing sender", "", "u2", TypeText, "hi", true, true},
		{"missing recipient", "u1", "", TypeText, "hi", true, true},
		{"missing type", "u1", "u2", "", "hi", true, true},
		{"missing message", "u1", "u2", TypeText, "", true, true},
		{"unknown type", "u1", "u2", Type("audio"), "hi", true, false},
		{"too long", "u1", "u2", TypeText, strings.Repeat("a", MaxMessageBytes+1), true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.sender, tc.recipient, tc.typ, tc.message)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if verr.Missing != tc.wantMissing {
				t.Errorf("Missing = %v, want %v", verr.Missing, tc.wantMissing)
			}
			if tc.wantMissing && verr.Error() != MissingFieldsMessage {
				t.Errorf("expected %q, got %q", MissingFieldsMessage, verr.Error())
			}
		})
	}
}

func TestValidateMessage_CharacterLimit(t *testing.T) {
	if err := ValidateMessage(strings.Repeat("a", MaxTextChars)); err != nil {
		t.Fatalf("expected %d ASCII chars to pass, got %v", MaxTextChars, err)
	}

	// 2001 two-byte runes stay under the byte limit but exceed the rune limit.
	text := strings.Repeat("é", MaxTextChars+1)
	if len(text) > MaxMessageBytes {
		t.Fatalf("test text is %d bytes, expected it under %d", len(text), MaxMessageBytes)
	}
	if err := ValidateMessage(text); err == nil {
		t.Fatal("expected character limit to be enforced")
	}
}

func TestValidateMessage_InvalidUTF8(t *testing.T) {
	if err := ValidateMessage(string([]byte{0xff, 0xfe, 0xfd})); err == nil {
		t.Fatal("expected invalid UTF-8 to be rejected")
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeText, TypeImage, TypeVideo} {
		if !typ.Valid() {
			t.Errorf("expected %q to be valid", typ)
		}
	}
	if Type("gif").Valid() {
		t.Error("expected \"gif\" to be invalid")
	}
}
