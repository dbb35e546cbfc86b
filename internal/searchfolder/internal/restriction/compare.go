package restriction

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/syntrixbase/searchfolder/pkg/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// textState holds the stateful x/text machinery. None of it may be shared
// between goroutines, so instances live in the evaluator's pool.
type textState struct {
	coll  *collate.Collator
	fold  cases.Caser
	strip transform.Transformer
}

func newTextState(tag language.Tag) *textState {
	return &textState{
		coll:  collate.New(tag, collate.IgnoreCase),
		fold:  cases.Fold(),
		strip: transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}
}

// prepare normalizes s according to the fuzzy modifiers.
func (ts *textState) prepare(s string, level model.FuzzyLevel) string {
	if level.Has(model.FLIgnoreNonSpace) || level.Has(model.FLLoose) {
		if out, _, err := transform.String(ts.strip, s); err == nil {
			s = out
		}
	}
	if level.Has(model.FLIgnoreCase) || level.Has(model.FLLoose) {
		s = ts.fold.String(s)
	}
	return s
}

func matchPosition(hay, needle string, pos model.FuzzyLevel) bool {
	switch pos {
	case model.FLSubstring:
		return strings.Contains(hay, needle)
	case model.FLPrefix:
		return strings.HasPrefix(hay, needle)
	}
	return hay == needle
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func relOpHolds(op model.RelOp, cmp int) bool {
	switch op {
	case model.RelOpLT:
		return cmp < 0
	case model.RelOpLE:
		return cmp <= 0
	case model.RelOpGT:
		return cmp > 0
	case model.RelOpGE:
		return cmp >= 0
	case model.RelOpEQ:
		return cmp == 0
	case model.RelOpNE:
		return cmp != 0
	}
	return false
}

// compareTypes reports whether values of the two types can be compared.
// STRING8 and UNICODE compare with each other.
func compareTypes(a, b model.PropType) bool {
	if a == b {
		return true
	}
	return a.IsString() && b.IsString() && (a&model.TypeMVFlag) == (b&model.TypeMVFlag)
}

// compare orders a against b. ok is false for incomparable types.
func (e *Evaluator) compare(a, b model.PropValue) (cmp int, ok bool) {
	if !compareTypes(a.Tag.Type(), b.Tag.Type()) {
		return 0, false
	}
	if a.Tag.IsMultiValued() {
		av, bv := a.Values(), b.Values()
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c, _ := e.compare(av[i], bv[i]); c != 0 {
				return c, true
			}
		}
		return compareInt(int64(len(av)), int64(len(bv))), true
	}

	switch a.Tag.Type() {
	case model.TypeLong, model.TypeI8, model.TypeSysTime:
		return compareInt(a.Int, b.Int), true
	case model.TypeDouble:
		return compareFloat(a.Float, b.Float), true
	case model.TypeBoolean:
		return compareInt(boolInt(a.Bool), boolInt(b.Bool)), true
	case model.TypeBinary:
		return bytes.Compare(a.Bin, b.Bin), true
	case model.TypeString8, model.TypeUnicode:
		ts := e.text.Get().(*textState)
		defer e.text.Put(ts)
		return ts.coll.CompareString(a.Str, b.Str), true
	}
	return 0, false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
