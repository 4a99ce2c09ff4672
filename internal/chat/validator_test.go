package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"simple", "hello", false},
		{"unicode", "héllo wörld 你好", false},
		{"empty", "", true},
		{"max chars ok", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("你", MaxTextChars), true}, // 3 bytes each
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateMessage(%q) = nil, want error", tc.name)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateMessage(%q) = %v, want nil", tc.name, err)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"with spaces", "general chat", false},
		{"unicode", "čhätrøøm", false},
		{"empty", "", true},
		{"too long", strings.Repeat("x", MaxNameChars+1), true},
		{"max length ok", strings.Repeat("x", MaxNameChars), false},
		{"colon", "alice:bob", true},
		{"newline", "ali\nce", true},
		{"invalid utf8", string([]byte{0xc3, 0x28}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateName(tc.input)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateName(%q) = nil, want error", tc.input)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tc.input, err)
			}
		})
	}
}
