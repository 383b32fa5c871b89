package config

import (
	"strconv"
	"strings"
)

// LightSpec is a parsed light selector. Addresses is always a subset of the
// bus address range; Groups lists the group names that contributed members;
// Idle is set when the spec carried the "idle" modifier.
type LightSpec struct {
	Addresses AddressSet
	Groups    []string
	Idle      bool
}

// ParseLightSpec parses a comma-separated selector. Each item is "all",
// "idle", a group name, a decimal address or an inclusive range "N-M".
// Items that fail to parse are ignored; the rest of the spec still applies.
func (d Data) ParseLightSpec(text string) LightSpec {
	var spec LightSpec
	for _, item := range strings.Split(text, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
			continue
		case item == BuiltinGroupAll:
			spec.Addresses = AllAddresses
			continue
		case item == ReservedGroupIdle:
			spec.Idle = true
			continue
		}
		if group, ok := d.Groups[item]; ok {
			spec.Addresses = spec.Addresses.Union(group.Members)
			spec.Groups = append(spec.Groups, item)
			continue
		}
		begin, end, ok := parseAddressRange(item)
		if !ok {
			continue
		}
		for addr := begin; addr <= end; addr++ {
			spec.Addresses = spec.Addresses.Set(addr)
		}
	}
	return spec
}

func parseAddressRange(item string) (begin, end int, ok bool) {
	if dash := strings.IndexByte(item, '-'); dash >= 0 {
		var err1, err2 error
		begin, err1 = strconv.Atoi(item[:dash])
		end, err2 = strconv.Atoi(item[dash+1:])
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
	} else {
		n, err := strconv.Atoi(item)
		if err != nil {
			return 0, 0, false
		}
		begin, end = n, n
	}
	if begin < 0 || begin > end || begin >= MaxAddresses || end >= MaxAddresses {
		return 0, 0, false
	}
	return begin, end, true
}
