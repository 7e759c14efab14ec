package ramses

import "regexp"

// hexPayload matches an even-length uppercase-hex string — the loose shape
// check used below for the code/verb pairs that have no tighter schema.
var hexPayload = regexp.MustCompile(`^([0-9A-F]{2})+$`)

// codeSchema is CODES_SCHEMA cut down to the representative code set this
// engine parses (spec.md §1 Non-goals: "parsers for individual codes beyond
// their grammar shape" are out of scope). Each entry is a regex the raw hex
// payload must match for that (code, verb) pair; a (code, verb) combination
// absent from its code's map is rejected as PacketInvalid, not merely
// PacketPayloadInvalid — the protocol doesn't use that verb for that code.
var codeSchema = map[Code]map[Verb]*regexp.Regexp{
	Code0001: {
		VerbW: regexp.MustCompile(`^[0-9A-F]{2}FFFFFFFFFFFFFFFFFFFFFFFFFFFFFF$`),
	},
	Code0006: {
		VerbRQ: regexp.MustCompile(`^00$`),
		VerbRP: regexp.MustCompile(`^00[0-9A-F]{6}$`),
	},
	Code000A: {
		VerbRQ: regexp.MustCompile(`^[0-9A-F]{2}$`),
		VerbRP: regexp.MustCompile(`^[0-9A-F]{2}([0-9A-F]{2}){5}$`),
		VerbI:  hexPayload,
		VerbW:  regexp.MustCompile(`^[0-9A-F]{2}([0-9A-F]{2}){5}$`),
	},
	Code0404: {
		VerbRQ: regexp.MustCompile(`^[0-9A-F]{2}200008[0-9A-F]{2}[0-9A-F]{2}$`),
		VerbRP: regexp.MustCompile(`^[0-9A-F]{2}200008[0-9A-F]{2}[0-9A-F]{2}[0-9A-F]+$`),
		VerbW:  regexp.MustCompile(`^[0-9A-F]{2}200008[0-9A-F]{2}[0-9A-F]{2}[0-9A-F]+$`),
	},
	Code10E0: {
		VerbRQ: regexp.MustCompile(`^00$`),
		VerbRP: hexPayload,
		VerbI:  hexPayload,
	},
	Code1F09: {
		VerbI:  regexp.MustCompile(`^(00|F8|F9|FA|FC)[0-9A-F]{6}$`),
		VerbRP: regexp.MustCompile(`^(00|F8|F9|FA|FC)[0-9A-F]{6}$`),
		VerbRQ: regexp.MustCompile(`^00$`),
		VerbW:  regexp.MustCompile(`^(00|F8|F9|FA|FC)[0-9A-F]{6}$`),
	},
	Code1FC9: {
		VerbI: regexp.MustCompile(`^([0-9A-F]{2}[0-9A-F]{4}[0-9A-F]{6})+$`),
		VerbW: regexp.MustCompile(`^([0-9A-F]{2}[0-9A-F]{4}[0-9A-F]{6})+$`),
	},
	Code2309: {
		VerbI:  hexPayload,
		VerbRQ: regexp.MustCompile(`^[0-9A-F]{2}$`),
		VerbRP: regexp.MustCompile(`^[0-9A-F]{2}[0-9A-F]{4}$`),
		VerbW:  regexp.MustCompile(`^[0-9A-F]{2}[0-9A-F]{4}$`),
	},
	Code22F3: {
		VerbI:  hexPayload,
		VerbRP: hexPayload,
	},
	Code30C9: {
		VerbI: hexPayload,
	},
	Code3EF0: {
		VerbRQ: regexp.MustCompile(`^00$`),
		VerbRP: hexPayload,
		VerbI:  hexPayload,
	},
	Code3EF1: {
		VerbRQ: regexp.MustCompile(`^00$`),
		VerbRP: hexPayload,
	},
	CodePUZZ: {
		VerbI: hexPayload,
	},
}

// verbIsKnownForCode reports whether a (code, verb) combination is used by
// the protocol at all, distinct from the payload failing its regex.
func verbIsKnownForCode(code Code, verb Verb) (*regexp.Regexp, bool) {
	byVerb, ok := codeSchema[code]
	if !ok {
		return nil, false
	}
	re, ok := byVerb[verb]
	return re, ok
}
