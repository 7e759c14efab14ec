package ramses

import "github.com/davecgh/go-spew/spew"

// Dump renders any value (typically a Message or Command) as a
// multi-line, field-by-field dump, for use in -verbose logging and tests
// where a %v/%+v isn't informative enough — e.g. a Command's unexported
// mutex/channel fields confuse fmt's default formatting.
func Dump(v any) string {
	return spew.Sdump(v)
}
