package ramses

import (
	"regexp"
)

// addressRegex matches a well-formed 9-character device id: "TT:NNNNNN".
var addressRegex = regexp.MustCompile(`^[0-9]{2}:[0-9]{6}$`)

// NoAddr is the sentinel meaning "no address" (an unused address slot).
const NoAddr = "--:------"

// BroadcastAddr is the sentinel destination for broadcasts / unset dst.
const BroadcastAddr = "63:262142"

// HGIGenericAddr is the generic id firmware ships with before it's told its
// own id. Outbound frames whose Command leaves Src unset are stamped with the
// gateway's current id (Protocol.SetSelf), which starts out as this one; a
// Command whose Src is set to this id explicitly is sent with it unchanged.
const HGIGenericAddr = "18:000730"

// Address is an immutable 9-character RAMSES device id, "TT:NNNNNN".
type Address struct {
	id string
}

// ParseAddress validates and wraps a device id string.
//
// In strict mode, an id whose type byte maps to no known device family is
// rejected; otherwise unknown type bytes are accepted (they'll simply be
// unclassifiable via DeviceClass).
func ParseAddress(s string, strict bool) (Address, error) {
	if s == NoAddr {
		return Address{id: s}, nil
	}
	if !addressRegex.MatchString(s) {
		return Address{}, newPacketInvalid("invalid address: %q", s)
	}
	a := Address{id: s}
	if strict {
		if _, ok := deviceClassByType[a.Type()]; !ok {
			return Address{}, newPacketInvalid("unknown device type in address: %q", s)
		}
	}
	return a, nil
}

// MustParseAddress is ParseAddress, panicking on error; for use with literal
// constants (e.g. table initialisers, tests), never on wire input.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s, false)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the canonical "TT:NNNNNN" form.
func (a Address) String() string { return a.id }

// ID is an alias for String, matching the Python original's `.id` attribute.
func (a Address) ID() string { return a.id }

// IsZero reports whether this Address was never parsed (the empty value).
func (a Address) IsZero() bool { return a.id == "" }

// Type returns the two-character device-type byte, e.g. "01" for a CTL.
func (a Address) Type() string {
	if len(a.id) < 2 {
		return ""
	}
	return a.id[:2]
}

// IsNone reports whether this is the "--:------" no-address sentinel.
func (a Address) IsNone() bool { return a.id == NoAddr }

// IsBroadcast reports whether this is the "63:262142" broadcast sentinel.
func (a Address) IsBroadcast() bool { return a.id == BroadcastAddr }

// IsHGI reports whether the type byte identifies an HGI80/evofw3 gateway.
func (a Address) IsHGI() bool { return a.Type() == devTypeHGI }

// DeviceClass returns the device's class (slug + family), or the zero value
// and false if the type byte is unclassified (a promotable generic device).
func (a Address) DeviceClass() (DeviceClass, bool) {
	dc, ok := deviceClassByType[a.Type()]
	return dc, ok
}

// Slug returns the device's class slug, or DevSlugDEV ("DEV", promotable
// generic) if the type byte is unclassified.
func (a Address) Slug() string {
	if dc, ok := a.DeviceClass(); ok {
		return dc.Slug
	}
	return DevSlugDEV
}
