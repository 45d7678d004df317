package profile

import (
	"encoding/json"
)

const redacted = "********"

// Secret holds a credential. It never prints or marshals its plain value.
type Secret struct {
	value string
}

// NewSecret wraps a plain credential.
func NewSecret(plain string) Secret {
	return Secret{value: plain}
}

// Reveal returns the plain credential.
func (s Secret) Reveal() string {
	return s.value
}

// IsZero reports whether no credential is set.
func (s Secret) IsZero() bool {
	return s.value == ""
}

func (s Secret) String() string {
	if s.value == "" {
		return ""
	}
	return redacted
}

// MarshalJSON always emits the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a plain credential. The redacted placeholder is
// treated as "unchanged" and decodes to an empty secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	if plain == redacted {
		plain = ""
	}
	s.value = plain
	return nil
}
