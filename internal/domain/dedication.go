package domain

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// MaxDedicationRunes is the print-ready length cap of a dedication.
const MaxDedicationRunes = 80

// ValidateDedication checks text against the current policy and returns it
// trimmed.
func ValidateDedication(text string, s Settings) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		if s.DedicationRequired {
			return "", errors.Wrap(ErrValidation, "dedication text is required")
		}
		return "", nil
	}
	if !utf8.ValidString(text) {
		return "", errors.Wrap(ErrValidation, "dedication text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > MaxDedicationRunes {
		return "", errors.Wrapf(ErrValidation, "dedication text is %d characters, limit is %d", n, MaxDedicationRunes)
	}
	for _, r := range text {
		if isEmoji(r) {
			if !s.EmojisAllowed {
				return "", errors.Wrap(ErrValidation, "emojis are not allowed in dedication text")
			}
			continue
		}
		if r == '<' || r == '>' || r == '\n' || r == '\r' || r == '\t' {
			return "", errors.Wrapf(ErrValidation, "character %q is not allowed", r)
		}
		if !unicode.IsPrint(r) {
			return "", errors.Wrapf(ErrValidation, "character %U is not printable", r)
		}
	}
	return text, nil
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0xFE0F || r == 0x200D || r == 0x20E3:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return false
}

// ValidateBuyer checks the buyer details submitted at checkout.
func ValidateBuyer(b Buyer, s Settings) (Buyer, error) {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(b.Email)
	b.Phone = strings.TrimSpace(b.Phone)
	if b.Name == "" {
		return b, errors.Wrap(ErrValidation, "buyer name is required")
	}
	if _, err := mail.ParseAddress(b.Email); err != nil {
		return b, errors.Wrap(ErrValidation, "buyer email is not a valid address")
	}
	text, err := ValidateDedication(b.DedicationText, s)
	if err != nil {
		return b, err
	}
	b.DedicationText = text
	return b, nil
}
