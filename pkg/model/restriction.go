package model

import (
	"fmt"
	"regexp"
)

// RestrictionType selects the kind of restriction node.
type RestrictionType int

const (
	ResAnd RestrictionType = iota
	ResOr
	ResNot
	ResContent
	ResProperty
	ResCompareProps
	ResBitmask
	ResSize
	ResExist
	ResComment
)

func (t RestrictionType) String() string {
	switch t {
	case ResAnd:
		return "and"
	case ResOr:
		return "or"
	case ResNot:
		return "not"
	case ResContent:
		return "content"
	case ResProperty:
		return "property"
	case ResCompareProps:
		return "compareprops"
	case ResBitmask:
		return "bitmask"
	case ResSize:
		return "size"
	case ResExist:
		return "exist"
	case ResComment:
		return "comment"
	}
	return fmt.Sprintf("restriction(%d)", int(t))
}

// RelOp is a relational operator for property, compare and size restrictions.
type RelOp int

const (
	RelOpLT RelOp = iota
	RelOpLE
	RelOpGT
	RelOpGE
	RelOpEQ
	RelOpNE
	RelOpRE // regular expression, strings only
)

// FuzzyLevel controls content restriction matching. The low 16 bits select
// the match position, the high bits modify the comparison.
type FuzzyLevel uint32

const (
	FLFullString FuzzyLevel = 0x00000
	FLSubstring  FuzzyLevel = 0x00001
	FLPrefix     FuzzyLevel = 0x00002

	FLIgnoreCase     FuzzyLevel = 0x10000
	FLIgnoreNonSpace FuzzyLevel = 0x20000
	FLLoose          FuzzyLevel = 0x40000
)

// Position returns the match position part of the level.
func (f FuzzyLevel) Position() FuzzyLevel { return f & 0xFFFF }

// Has reports whether modifier m is set.
func (f FuzzyLevel) Has(m FuzzyLevel) bool { return f&m != 0 }

// BitmaskOp selects how a bitmask restriction is evaluated.
type BitmaskOp int

const (
	BitmaskEQZ BitmaskOp = iota // (prop & mask) == 0
	BitmaskNEZ                  // (prop & mask) != 0
)

// Restriction is one node of a restriction tree. And/Or use Children;
// Not and Comment use Children[0]. Leaf nodes use the remaining fields
// according to Type.
type Restriction struct {
	Type     RestrictionType `bson:"type" json:"type"`
	Children []*Restriction  `bson:"children,omitempty" json:"children,omitempty"`
	RelOp    RelOp           `bson:"relop,omitempty" json:"relop,omitempty"`
	Fuzzy    FuzzyLevel      `bson:"fuzzy,omitempty" json:"fuzzy,omitempty"`
	Bitmask  BitmaskOp       `bson:"bmr,omitempty" json:"bmr,omitempty"`
	Mask     uint32          `bson:"mask,omitempty" json:"mask,omitempty"`
	Size     uint32          `bson:"size,omitempty" json:"size,omitempty"`
	PropTag  PropTag         `bson:"tag,omitempty" json:"tag,omitempty"`
	PropTag2 PropTag         `bson:"tag2,omitempty" json:"tag2,omitempty"`
	Value    *PropValue      `bson:"value,omitempty" json:"value,omitempty"`
}

// And matches when every child matches.
func And(children ...*Restriction) *Restriction {
	return &Restriction{Type: ResAnd, Children: children}
}

// Or matches when any child matches.
func Or(children ...*Restriction) *Restriction {
	return &Restriction{Type: ResOr, Children: children}
}

// Not inverts its child.
func Not(child *Restriction) *Restriction {
	return &Restriction{Type: ResNot, Children: []*Restriction{child}}
}

// Comment wraps a child restriction; it evaluates as the child.
func Comment(child *Restriction) *Restriction {
	return &Restriction{Type: ResComment, Children: []*Restriction{child}}
}

// Property compares the row's value of v.Tag against v.
func Property(op RelOp, v PropValue) *Restriction {
	return &Restriction{Type: ResProperty, RelOp: op, PropTag: v.Tag, Value: &v}
}

// Content tests a string or binary property for v according to level.
func Content(level FuzzyLevel, v PropValue) *Restriction {
	return &Restriction{Type: ResContent, Fuzzy: level, PropTag: v.Tag, Value: &v}
}

// CompareProps compares two properties of the same row.
func CompareProps(op RelOp, tag1, tag2 PropTag) *Restriction {
	return &Restriction{Type: ResCompareProps, RelOp: op, PropTag: tag1, PropTag2: tag2}
}

// Bitmask tests tag against mask.
func Bitmask(op BitmaskOp, tag PropTag, mask uint32) *Restriction {
	return &Restriction{Type: ResBitmask, Bitmask: op, PropTag: tag, Mask: mask}
}

// Size compares the byte size of tag against size.
func Size(op RelOp, tag PropTag, size uint32) *Restriction {
	return &Restriction{Type: ResSize, RelOp: op, PropTag: tag, Size: size}
}

// Exist matches when the row carries tag.
func Exist(tag PropTag) *Restriction {
	return &Restriction{Type: ResExist, PropTag: tag}
}

// Validate checks the tree shape. Malformed trees are reported as ErrCorrupt.
func (r *Restriction) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil restriction node", ErrCorrupt)
	}
	switch r.Type {
	case ResAnd, ResOr:
		for _, c := range r.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	case ResNot, ResComment:
		if len(r.Children) != 1 {
			return fmt.Errorf("%w: %s needs exactly one child, got %d", ErrCorrupt, r.Type, len(r.Children))
		}
		return r.Children[0].Validate()
	case ResProperty:
		if r.Value == nil {
			return fmt.Errorf("%w: property restriction without value", ErrCorrupt)
		}
		if r.RelOp < RelOpLT || r.RelOp > RelOpRE {
			return fmt.Errorf("%w: unknown relop %d", ErrCorrupt, r.RelOp)
		}
		if r.RelOp == RelOpRE {
			if !r.Value.Tag.Type().IsString() || r.Value.Tag.IsMultiValued() {
				return fmt.Errorf("%w: regular expression on non-string property %s", ErrCorrupt, r.PropTag)
			}
			if _, err := regexp.Compile(r.Value.Str); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	case ResContent:
		if r.Value == nil {
			return fmt.Errorf("%w: content restriction without value", ErrCorrupt)
		}
		st := r.Value.Tag.SingleType()
		if !st.IsString() && st != TypeBinary {
			return fmt.Errorf("%w: content restriction on %s", ErrCorrupt, r.Value.Tag)
		}
		if p := r.Fuzzy.Position(); p > FLPrefix {
			return fmt.Errorf("%w: unknown fuzzy level 0x%x", ErrCorrupt, uint32(r.Fuzzy))
		}
	case ResCompareProps:
		if r.RelOp < RelOpLT || r.RelOp > RelOpNE {
			return fmt.Errorf("%w: unknown relop %d", ErrCorrupt, r.RelOp)
		}
	case ResSize:
		if r.RelOp < RelOpLT || r.RelOp > RelOpNE {
			return fmt.Errorf("%w: unknown relop %d", ErrCorrupt, r.RelOp)
		}
	case ResBitmask:
		if r.Bitmask != BitmaskEQZ && r.Bitmask != BitmaskNEZ {
			return fmt.Errorf("%w: unknown bitmask op %d", ErrCorrupt, r.Bitmask)
		}
	case ResExist:
	default:
		return fmt.Errorf("%w: unknown restriction type %d", ErrCorrupt, int(r.Type))
	}
	return nil
}

// Tags returns every property tag referenced by the tree, without duplicates,
// in first-seen order.
func (r *Restriction) Tags() []PropTag {
	seen := make(map[PropTag]struct{})
	var out []PropTag
	var walk func(*Restriction)
	add := func(t PropTag) {
		if t == 0 {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	walk = func(n *Restriction) {
		if n == nil {
			return
		}
		switch n.Type {
		case ResAnd, ResOr, ResNot, ResComment:
			for _, c := range n.Children {
				walk(c)
			}
		case ResCompareProps:
			add(n.PropTag)
			add(n.PropTag2)
		default:
			add(n.PropTag)
		}
	}
	walk(r)
	return out
}
