package ble

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a Bluetooth hardware address. 48-bit MACs occupy the low
// six bytes; platforms without MAC access may use the full 64 bits.
type Address uint64

// String renders the address as colon-separated hex, most significant
// byte first (AA:BB:CC:DD:EE:FF). Addresses wider than 48 bits render
// all eight bytes.
func (a Address) String() string {
	n := 6
	if a>>48 != 0 {
		n = 8
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02X", byte(a>>(8*(n-1-i))))
	}
	return strings.Join(parts, ":")
}

// ParseAddress parses a colon-separated address of six or eight bytes.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 && len(parts) != 8 {
		return 0, fmt.Errorf("ble: invalid address %q", s)
	}
	var a Address
	for _, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return 0, fmt.Errorf("ble: invalid address %q", s)
		}
		a = a<<8 | Address(b)
	}
	return a, nil
}
