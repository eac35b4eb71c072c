package config

// Secret is a string type that redacts itself when printed
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString ensures %#v formatting (debug dumps, panics) never leaks the value.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML (config dumps).
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}

// Value returns the underlying plaintext. Only call this at the point of use
// (e.g. building the HMAC signer or the X-MBX-APIKEY header) — never log it.
func (s Secret) Value() string {
	return string(s)
}
