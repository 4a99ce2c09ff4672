package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // hard cap on the encoded body
	MaxTextChars    = 2000 // character cap, so multibyte text gets the same budget
	MaxNameChars    = 64   // usernames and room names
)

// ValidateMessage checks a message body against the wire limits: non-empty,
// within the byte and character caps, valid UTF-8.
func ValidateMessage(text string) error {
	switch {
	case len(text) == 0:
		return fmt.Errorf("message is empty")
	case len(text) > MaxMessageBytes:
		return fmt.Errorf("message is over the %d byte limit", MaxMessageBytes)
	case utf8.RuneCountInString(text) > MaxTextChars:
		return fmt.Errorf("message is over the %d character limit", MaxTextChars)
	case !utf8.ValidString(text):
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// ValidateName checks a username or room name. Names become parts of store
// keys, so a colon would make the directional conversation keys ambiguous;
// control characters are rejected to keep names printable and log-safe.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is empty")
	}
	if utf8.RuneCountInString(name) > MaxNameChars {
		return fmt.Errorf("name exceeds %d character limit", MaxNameChars)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid UTF-8")
	}
	if strings.ContainsRune(name, ':') {
		return fmt.Errorf("name must not contain ':'")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name contains control characters")
		}
	}
	return nil
}
