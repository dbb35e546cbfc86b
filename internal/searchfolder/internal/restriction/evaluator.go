// Package restriction evaluates restriction trees against message rows.
// The same Evaluator is used by rebuild scans and incremental processing so
// both paths reach identical membership decisions.
package restriction

import (
	"bytes"
	"fmt"
	"regexp"
	"sync"

	"github.com/syntrixbase/searchfolder/pkg/model"
	"golang.org/x/text/language"
)

// MaxRegexpCacheSize is the maximum number of compiled patterns kept.
const MaxRegexpCacheSize = 1000

// Evaluator matches rows against restrictions. It is safe for concurrent
// use; per-call string machinery comes from a pool.
type Evaluator struct {
	locale language.Tag
	text   sync.Pool // *textState

	reMu    sync.RWMutex
	reCache map[string]*regexp.Regexp
	reOrder []string
}

// NewEvaluator creates an evaluator comparing strings by the given BCP-47
// locale. An empty locale selects English.
func NewEvaluator(locale string) (*Evaluator, error) {
	tag := language.English
	if locale != "" {
		var err error
		tag, err = language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("%w: locale %q: %v", model.ErrInvalidArgument, locale, err)
		}
	}
	e := &Evaluator{
		locale:  tag,
		reCache: make(map[string]*regexp.Regexp),
		reOrder: make([]string, 0, MaxRegexpCacheSize),
	}
	e.text.New = func() any { return newTextState(tag) }
	return e, nil
}

// Locale returns the comparison locale.
func (e *Evaluator) Locale() language.Tag { return e.locale }

// MatchCriteria evaluates the criteria's restriction. Criteria without a
// restriction match every row.
func (e *Evaluator) MatchCriteria(c *model.SearchCriteria, row model.Row) (bool, error) {
	if c == nil || c.Restriction == nil {
		return true, nil
	}
	return e.Match(c.Restriction, row)
}

// Match evaluates r against row. Children of And/Or are evaluated in order
// and evaluation stops at the first decisive child. Missing properties and
// type mismatches make the leaf false.
func (e *Evaluator) Match(r *model.Restriction, row model.Row) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("%w: nil restriction node", model.ErrCorrupt)
	}
	switch r.Type {
	case model.ResAnd:
		for _, c := range r.Children {
			ok, err := e.Match(c, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case model.ResOr:
		for _, c := range r.Children {
			ok, err := e.Match(c, row)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil

	case model.ResNot:
		if len(r.Children) != 1 {
			return false, fmt.Errorf("%w: not needs one child", model.ErrCorrupt)
		}
		ok, err := e.Match(r.Children[0], row)
		return !ok && err == nil, err

	case model.ResComment:
		if len(r.Children) != 1 {
			return false, fmt.Errorf("%w: comment needs one child", model.ErrCorrupt)
		}
		return e.Match(r.Children[0], row)

	case model.ResExist:
		_, ok := row.Get(r.PropTag)
		return ok, nil

	case model.ResProperty:
		return e.matchProperty(r, row)

	case model.ResContent:
		return e.matchContent(r, row)

	case model.ResCompareProps:
		a, ok := row.Get(r.PropTag)
		if !ok {
			return false, nil
		}
		b, ok := row.Get(r.PropTag2)
		if !ok {
			return false, nil
		}
		cmp, ok := e.compare(a, b)
		if !ok {
			return false, nil
		}
		return relOpHolds(r.RelOp, cmp), nil

	case model.ResBitmask:
		v, ok := row.Get(r.PropTag)
		if !ok {
			return false, nil
		}
		switch v.Tag.Type() {
		case model.TypeLong, model.TypeI8:
		default:
			return false, nil
		}
		set := uint32(v.Int)&r.Mask != 0
		if r.Bitmask == model.BitmaskEQZ {
			return !set, nil
		}
		return set, nil

	case model.ResSize:
		v, ok := row.Get(r.PropTag)
		if !ok {
			return false, nil
		}
		return relOpHolds(r.RelOp, compareInt(int64(v.Size()), int64(r.Size))), nil
	}
	return false, fmt.Errorf("%w: unknown restriction type %d", model.ErrCorrupt, int(r.Type))
}

func (e *Evaluator) matchProperty(r *model.Restriction, row model.Row) (bool, error) {
	if r.Value == nil {
		return false, fmt.Errorf("%w: property restriction without value", model.ErrCorrupt)
	}
	v, ok := row.Get(r.PropTag)
	if !ok {
		return false, nil
	}

	if r.RelOp == model.RelOpRE {
		re, err := e.regexp(r.Value.Str)
		if err != nil {
			return false, err
		}
		if !v.Tag.Type().IsString() {
			return false, nil
		}
		for _, s := range v.Values() {
			if re.MatchString(s.Str) {
				return true, nil
			}
		}
		return false, nil
	}

	// A multi-valued row property against a single value matches if any
	// element does.
	if v.Tag.IsMultiValued() && !r.Value.Tag.IsMultiValued() {
		for _, elem := range v.Values() {
			if cmp, ok := e.compare(elem, *r.Value); ok && relOpHolds(r.RelOp, cmp) {
				return true, nil
			}
		}
		return false, nil
	}
	cmp, ok := e.compare(v, *r.Value)
	if !ok {
		return false, nil
	}
	return relOpHolds(r.RelOp, cmp), nil
}

func (e *Evaluator) matchContent(r *model.Restriction, row model.Row) (bool, error) {
	if r.Value == nil {
		return false, fmt.Errorf("%w: content restriction without value", model.ErrCorrupt)
	}
	v, ok := row.Get(r.PropTag)
	if !ok {
		return false, nil
	}
	needles := r.Value.Values()
	if len(needles) == 0 {
		return false, nil
	}
	needle := needles[0]

	switch {
	case needle.Tag.Type().IsString():
		if !v.Tag.Type().IsString() {
			return false, nil
		}
		ts := e.text.Get().(*textState)
		defer e.text.Put(ts)
		n := ts.prepare(needle.Str, r.Fuzzy)
		for _, hay := range v.Values() {
			if matchPosition(ts.prepare(hay.Str, r.Fuzzy), n, r.Fuzzy.Position()) {
				return true, nil
			}
		}
		return false, nil

	case needle.Tag.Type() == model.TypeBinary:
		if v.Tag.SingleType() != model.TypeBinary {
			return false, nil
		}
		for _, hay := range v.Values() {
			if matchBytes(hay.Bin, needle.Bin, r.Fuzzy.Position()) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func matchBytes(hay, needle []byte, pos model.FuzzyLevel) bool {
	switch pos {
	case model.FLSubstring:
		return bytes.Contains(hay, needle)
	case model.FLPrefix:
		return bytes.HasPrefix(hay, needle)
	}
	return bytes.Equal(hay, needle)
}

// regexp compiles pattern through a bounded FIFO cache.
func (e *Evaluator) regexp(pattern string) (*regexp.Regexp, error) {
	e.reMu.RLock()
	re, ok := e.reCache[pattern]
	e.reMu.RUnlock()
	if ok {
		return re, nil
	}

	e.reMu.Lock()
	defer e.reMu.Unlock()
	if re, ok := e.reCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorrupt, err)
	}
	if len(e.reCache) >= MaxRegexpCacheSize {
		oldest := e.reOrder[0]
		delete(e.reCache, oldest)
		e.reOrder = e.reOrder[1:]
	}
	e.reCache[pattern] = re
	e.reOrder = append(e.reOrder, pattern)
	return re, nil
}

// RequiredTags lists the properties that must be fetched to evaluate c.
// TagMessageFlags always comes first; it drives unread accounting.
func RequiredTags(c *model.SearchCriteria) []model.PropTag {
	tags := []model.PropTag{model.TagMessageFlags}
	if c == nil || c.Restriction == nil {
		return tags
	}
	for _, t := range c.Restriction.Tags() {
		if t != model.TagMessageFlags {
			tags = append(tags, t)
		}
	}
	return tags
}
