package presence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MAC is a hardware MAC address.
type MAC [6]byte

// ParseMAC decodes s, see MAC.Decode.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	err := m.Decode(s)
	return m, err
}

// String returns the address in a "xx:xx:xx:xx:xx:xx" formatted string
// (lower-case letters), matching the controller's format.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether m is the all zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// Decode converts a string of form "XX:XX:XX:XX:XX:XX" to a MAC. Hyphen
// separators and either letter case are accepted.
func (m *MAC) Decode(s string) error {
	s = strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid MAC %q: %w", s, err)
	}

	if len(b) != len(m) {
		return fmt.Errorf("invalid MAC length %d; expected %d from %q", len(b), len(m), s)
	}

	copy(m[:], b)

	return nil
}

func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MAC) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		return errors.New("invalid MAC: empty")
	}
	var decoded MAC
	if err := decoded.Decode(string(b)); err != nil {
		return err
	}
	*m = decoded
	return nil
}
