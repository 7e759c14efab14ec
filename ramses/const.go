package ramses

// Verb is one of the four roles a RAMSES frame can play. Note the leading
// space on the one-letter verbs: the wire format is fixed-width, two chars.
type Verb string

const (
	VerbI  Verb = " I" // inform/broadcast
	VerbRQ Verb = "RQ" // request
	VerbRP Verb = "RP" // reply
	VerbW  Verb = " W" // write
)

func (v Verb) String() string { return string(v) }

// Code is a 4-hex-digit RAMSES opcode, e.g. "1FC9" for binding.
type Code string

// Representative codes this engine parses in full. Spec.md explicitly scopes
// the other ~140 RAMSES codes out: "the spec fixes the framework they plug
// into, not each parser" (spec.md §1). Unknown codes fail validation with
// PacketInvalid("Unknown code"), per §4.C.
const (
	Code0001 Code = "0001" // zone actuator check (heat-only)
	Code0006 Code = "0006" // schedule change counter
	Code000A Code = "000A" // zone parameters (array-capable)
	Code0404 Code = "0404" // schedule fragment
	Code10E0 Code = "10E0" // device info
	Code1F09 Code = "1F09" // sync_cycle (special expiry case)
	Code1FC9 Code = "1FC9" // binding
	Code2309 Code = "2309" // setpoint
	Code22F3 Code = "22F3" // HVAC fan switch (HVAC-domain-only)
	Code30C9 Code = "30C9" // zone temperature
	Code3EF0 Code = "3EF0" // actuator state
	Code3EF1 Code = "3EF1" // actuator cycle request
	CodePUZZ Code = "7FFF" // internal use only: impersonation alert
)

// codeNames mirrors the original's CODE_NAMES (a friendly label per code),
// used for log/debug output.
var codeNames = map[Code]string{
	Code0001: "zone_actuator_check",
	Code0006: "schedule_sync",
	Code000A: "zone_params",
	Code0404: "schedule_fragment",
	Code10E0: "device_info",
	Code1F09: "sync_cycle",
	Code1FC9: "bind",
	Code2309: "setpoint",
	Code22F3: "hvac_fan_switch",
	Code30C9: "temperature",
	Code3EF0: "actuator_state",
	Code3EF1: "actuator_cycle",
	CodePUZZ: "puzzle_packet",
}

// CodeName returns a friendly name for a code, or "unknown_<code>".
func CodeName(c Code) string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "unknown_" + string(c)
}

// Device-type bytes (the first two characters of an Address).
const (
	devTypeTR0 = "00" // radiator valve, aka TRV
	devTypeCTL = "01"
	devTypeUFC = "02"
	devTypeHCW = "03"
	devTypeTRV = "04"
	devTypeDHW = "07"
	devTypeOTB = "10"
	devTypeDTS = "12"
	devTypeBDR = "13"
	devTypeOUT = "17"
	devTypeHGI = "18"
	devTypeDT2 = "22"
	devTypePRG = "23"
	devTypeRFG = "30"
	devTypeRND = "34"
)

// Device/zone class slugs. Promotable slugs (DEV/HEA/HVC) stand for a device
// whose class hasn't (yet) been determined from its type byte.
const (
	DevSlugDEV = "DEV" // promotable: generic device
	DevSlugHEA = "HEA" // promotable: generic heat device
	DevSlugHVC = "HVC" // promotable: generic HVAC device

	DevSlugCTL = "CTL"
	DevSlugTRV = "TRV"
	DevSlugUFC = "UFC"
	DevSlugHCW = "HCW"
	DevSlugDHW = "DHW"
	DevSlugOTB = "OTB"
	DevSlugDTS = "DTS"
	DevSlugBDR = "BDR"
	DevSlugOUT = "OUT"
	DevSlugHGI = "HGI"
	DevSlugPRG = "PRG"
	DevSlugRFG = "RFG"
	DevSlugRND = "RND"

	DevSlugFAN = "FAN"
	DevSlugCO2 = "CO2"
	DevSlugHUM = "HUM"
	DevSlugREM = "REM"
)

// DeviceClass is the explicit value type standing in for the Python
// original's AttrDict ("resist generic-programming gymnastics", spec.md §9):
// named accessors instead of a bidirectional dict-that's-also-a-namespace.
type DeviceClass struct {
	Slug         string
	Name         string
	IsHeatDevice bool // CH/DHW device, as opposed to HVAC/other
}

// deviceClassByType is the forward map (type byte -> class); CodeTable below
// provides the reverse lookups (slug -> type byte, name -> type byte) that
// the original's AttrDict offered via __getitem__/__getattr__.
var deviceClassByType = map[string]DeviceClass{
	devTypeHGI: {DevSlugHGI, "gateway_interface", false},
	devTypeTR0: {DevSlugTRV, "radiator_valve", true}, // "00" is an alias of TRV
	devTypeCTL: {DevSlugCTL, "controller", true},
	devTypeUFC: {DevSlugUFC, "ufh_controller", true},
	devTypeHCW: {DevSlugHCW, "analog_thermostat", true},
	devTypeTRV: {DevSlugTRV, "radiator_valve", true},
	devTypeDHW: {DevSlugDHW, "dhw_sensor", true},
	devTypeOTB: {DevSlugOTB, "opentherm_bridge", true},
	devTypeDTS: {DevSlugDTS, "digital_thermostat", true},
	devTypeBDR: {DevSlugBDR, "electrical_relay", true},
	devTypeOUT: {DevSlugOUT, "outdoor_sensor", true},
	devTypeDT2: {DevSlugDTS, "digital_thermostat", true}, // "22" aliases DTS
	devTypePRG: {DevSlugPRG, "programmer", true},
	devTypeRFG: {DevSlugRFG, "rf_gateway", true},
	devTypeRND: {DevSlugRND, "round_thermostat", true},
}

// promotableSlugs are classes whose role has not (yet) been pinned down by a
// type byte; the dispatcher skips role validation for these (spec.md §4.E.3).
var promotableSlugs = map[string]bool{
	DevSlugDEV: true,
	DevSlugHEA: true,
	DevSlugHVC: true,
}

// CodeTable is the explicit bidirectional value type used wherever the
// original reached for its generic AttrDict two-way map, per spec.md §9.
type CodeTable struct {
	forward map[string]string // hex -> name
	reverse map[string]string // name -> hex
}

func newCodeTable(pairs map[string]string) CodeTable {
	t := CodeTable{forward: map[string]string{}, reverse: map[string]string{}}
	for hex, name := range pairs {
		t.forward[hex] = name
		t.reverse[name] = hex
	}
	return t
}

// Forward returns the name for a hex key, or "" if absent.
func (t CodeTable) Forward(hex string) string { return t.forward[hex] }

// Reverse returns the hex key for a name, or "" if absent.
func (t CodeTable) Reverse(name string) string { return t.reverse[name] }

// SlugOf is an alias of Forward, named to match a domain/device-role lookup.
func (t CodeTable) SlugOf(hex string) string { return t.forward[hex] }

// domainTypeTable maps the domain-id byte range (F6..FF) used in place of a
// zone_idx to a friendly name, e.g. "FC" -> "appliance_control".
var domainTypeTable = newCodeTable(map[string]string{
	"F6": "cooling_valve",
	"F9": "heating_valve",
	"FA": "hotwater_valve",
	"FC": "appliance_control",
})

// codesOfHeatDomainOnly are codes that can ONLY appear in the CH/DHW (heat)
// domain; an address pair sharing a type byte using one of these is invalid
// (spec.md §8 S2, §4.E.1).
var codesOfHeatDomainOnly = map[Code]bool{
	Code0001: true,
	Code2309: true,
	Code30C9: true,
	Code3EF0: true,
	Code3EF1: true,
	Code10E0: true,
	Code000A: true,
}

// codesOfHeatDomain lists the codes that are usually-heat but could
// plausibly be HVAC (the heat-only codes are in codesOfHeatDomainOnly, not
// repeated here); a same-type-byte pair using one of these is only a
// warning, not a rejection.
var codesOfHeatDomain = map[Code]bool{
	Code1F09: true,
}

// codesOfHVACDomainOnly are codes that only ever appear between HVAC devices.
var codesOfHVACDomainOnly = map[Code]bool{
	Code22F3: true,
}

// verbSet is a small set of Verb, used by codesByDevSlug.
type verbSet map[Verb]bool

func verbs(vs ...Verb) verbSet {
	s := make(verbSet, len(vs))
	for _, v := range vs {
		s[v] = true
	}
	return s
}

// codesByDevSlug is CODES_BY_DEV_SLUG: for each non-promotable device class,
// the codes (and, per code, the verbs) it is known to Tx/Rx. Used by the
// dispatcher's role-validation step (spec.md §4.E.3).
var codesByDevSlug = map[string]map[Code]verbSet{
	DevSlugCTL: {
		Code0001: verbs(VerbW),
		Code0006: verbs(VerbRQ, VerbRP),
		Code000A: verbs(VerbRQ, VerbRP, VerbI, VerbW),
		Code0404: verbs(VerbRQ, VerbRP, VerbW),
		Code10E0: verbs(VerbRQ, VerbRP, VerbI),
		Code1F09: verbs(VerbI, VerbRP, VerbRQ, VerbW),
		Code1FC9: verbs(VerbI, VerbW),
		Code2309: verbs(VerbRQ, VerbRP, VerbW, VerbI),
		Code30C9: verbs(VerbI),
		Code3EF0: verbs(VerbRQ),
		Code3EF1: verbs(VerbRQ, VerbRP),
	},
	DevSlugTRV: {
		Code10E0: verbs(VerbRQ, VerbRP),
		Code1F09: verbs(VerbI),
		Code1FC9: verbs(VerbI, VerbW),
		Code2309: verbs(VerbI),
		Code30C9: verbs(VerbI),
	},
	DevSlugBDR: {
		Code10E0: verbs(VerbRQ, VerbRP),
		Code1FC9: verbs(VerbI, VerbW),
		Code3EF0: verbs(VerbRQ, VerbRP, VerbI),
		Code3EF1: verbs(VerbRQ, VerbRP),
	},
	DevSlugOTB: {
		Code10E0: verbs(VerbRQ, VerbRP),
		Code1FC9: verbs(VerbI, VerbW),
		Code3EF0: verbs(VerbRQ, VerbRP, VerbI),
	},
	DevSlugDHW: {
		Code10E0: verbs(VerbRQ, VerbRP),
		Code1FC9: verbs(VerbI, VerbW),
	},
	DevSlugUFC: {
		Code000A: verbs(VerbI, VerbRP),
		Code10E0: verbs(VerbRQ, VerbRP),
		Code1FC9: verbs(VerbI, VerbW),
	},
	DevSlugFAN: {
		Code1FC9: verbs(VerbI, VerbW),
		Code22F3: verbs(VerbI, VerbRP),
	},
	DevSlugREM: {
		Code1FC9: verbs(VerbI, VerbW),
		Code22F3: verbs(VerbI),
	},
	DevSlugCO2: {
		Code1FC9: verbs(VerbI, VerbW),
	},
	DevSlugHUM: {
		Code1FC9: verbs(VerbI, VerbW),
	},
}

// Default lifespans by code (spec.md §4.B _lifespan policy (i)); codes not
// listed here default to defaultLifespanSeconds (15 minutes), except those in
// neverExpiresCode.
var defaultLifespan = map[Code]int64{ // seconds
	Code000A: 60 * 60,
	Code10E0: 60 * 60 * 24,
	Code2309: 60 * 60,
	Code30C9: 60 * 60,
	Code3EF0: 60 * 6,
	Code3EF1: 60 * 6,
}

// neverExpiresCode are codes whose _lifespan is "never" (spec.md §4.B (iii)).
var neverExpiresCode = map[Code]bool{
	Code0001: true,
	Code1FC9: true,
}

const defaultLifespanSeconds = 60 * 15 // 15 minutes, used when not in the table above
