package config

import (
	"math/bits"
	"strings"
)

// MaxAddresses is the number of short addresses on the bus.
const MaxAddresses = 64

// AddressSet is a bitset over the bus short addresses 0..63.
type AddressSet uint64

// AllAddresses has every address present.
const AllAddresses AddressSet = 1<<MaxAddresses - 1

func (s AddressSet) Test(addr int) bool {
	if addr < 0 || addr >= MaxAddresses {
		return false
	}
	return s&(1<<uint(addr)) != 0
}

func (s AddressSet) Set(addr int) AddressSet {
	if addr < 0 || addr >= MaxAddresses {
		return s
	}
	return s | 1<<uint(addr)
}

func (s AddressSet) Clear(addr int) AddressSet {
	if addr < 0 || addr >= MaxAddresses {
		return s
	}
	return s &^ (1 << uint(addr))
}

func (s AddressSet) Union(other AddressSet) AddressSet     { return s | other }
func (s AddressSet) Intersect(other AddressSet) AddressSet { return s & other }
func (s AddressSet) Without(other AddressSet) AddressSet   { return s &^ other }
func (s AddressSet) Empty() bool                           { return s == 0 }

func (s AddressSet) Count() int { return bits.OnesCount64(uint64(s)) }

// Each calls fn for every member address in ascending order.
func (s AddressSet) Each(fn func(addr int)) {
	for addr := 0; addr < MaxAddresses; addr++ {
		if s.Test(addr) {
			fn(addr)
		}
	}
}

const hexDigits = "0123456789ABCDEF"

// Hex renders the set as the concatenated two-digit hex addresses of its
// members, e.g. {0,1,2} -> "000102". The empty set renders as "(null)" to
// match the report format.
func (s AddressSet) Hex() string {
	var b strings.Builder
	s.Each(func(addr int) {
		b.WriteByte(hexDigits[addr>>4])
		b.WriteByte(hexDigits[addr&0xF])
	})
	if b.Len() == 0 {
		return "(null)"
	}
	return b.String()
}

func hexNibble(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	}
	return 0, false
}

// ParseAddressSetHex parses pairs of hex digits into a set. Pairs that do
// not parse or exceed the address range are ignored; a trailing odd digit is
// ignored.
func ParseAddressSetHex(text string) AddressSet {
	var s AddressSet
	for len(text) >= 2 {
		hi, ok1 := hexNibble(text[0])
		lo, ok2 := hexNibble(text[1])
		if ok1 && ok2 {
			s = s.Set(hi<<4 | lo)
		}
		text = text[2:]
	}
	return s
}
