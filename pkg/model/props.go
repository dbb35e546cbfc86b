package model

import "fmt"

// PropTag identifies a message property: the upper 16 bits are the property
// id, the lower 16 bits the property type.
type PropTag uint32

// PropType is the type part of a PropTag.
type PropType uint16

// Property types.
const (
	TypeUnspecified PropType = 0x0000
	TypeLong        PropType = 0x0003
	TypeDouble      PropType = 0x0005
	TypeBoolean     PropType = 0x000B
	TypeI8          PropType = 0x0014
	TypeString8     PropType = 0x001E
	TypeUnicode     PropType = 0x001F
	TypeSysTime     PropType = 0x0040
	TypeBinary      PropType = 0x0102

	TypeMVFlag PropType = 0x1000

	TypeMVLong    = TypeMVFlag | TypeLong
	TypeMVI8      = TypeMVFlag | TypeI8
	TypeMVString8 = TypeMVFlag | TypeString8
	TypeMVUnicode = TypeMVFlag | TypeUnicode
	TypeMVBinary  = TypeMVFlag | TypeBinary
)

// Well-known properties used by the search folder code.
var (
	TagMessageFlags = NewPropTag(0x0E07, TypeLong)
	TagMessageSize  = NewPropTag(0x0E08, TypeLong)
	TagSubject      = NewPropTag(0x0037, TypeUnicode)
	TagBody         = NewPropTag(0x1000, TypeUnicode)
	TagMessageClass = NewPropTag(0x001A, TypeUnicode)
	TagImportance   = NewPropTag(0x0017, TypeLong)
	TagSenderName   = NewPropTag(0x0C1A, TypeUnicode)
	TagDisplayTo    = NewPropTag(0x0E04, TypeUnicode)
	TagDeliveryTime = NewPropTag(0x0E06, TypeSysTime)
	TagKeywords     = NewPropTag(0x8001, TypeMVUnicode)
)

// Message flag bits stored in TagMessageFlags.
const (
	MsgFlagRead       uint32 = 0x0001
	MsgFlagUnmodified uint32 = 0x0002
	MsgFlagSubmit     uint32 = 0x0004
	MsgFlagUnsent     uint32 = 0x0008
	MsgFlagHasAttach  uint32 = 0x0010
	MsgFlagAssociated uint32 = 0x0040
)

// NewPropTag builds a tag from an id and a type.
func NewPropTag(id uint16, typ PropType) PropTag {
	return PropTag(uint32(id)<<16 | uint32(typ))
}

// ID returns the property id.
func (t PropTag) ID() uint16 { return uint16(t >> 16) }

// Type returns the property type.
func (t PropTag) Type() PropType { return PropType(t & 0xFFFF) }

// IsMultiValued reports whether the tag carries the MV flag.
func (t PropTag) IsMultiValued() bool { return t.Type()&TypeMVFlag != 0 }

// SingleType returns the type with the MV flag cleared.
func (t PropTag) SingleType() PropType { return t.Type() &^ TypeMVFlag }

func (t PropTag) String() string {
	return fmt.Sprintf("0x%08X", uint32(t))
}

// IsString reports whether the type holds text.
func (p PropType) IsString() bool {
	p &^= TypeMVFlag
	return p == TypeString8 || p == TypeUnicode
}

// PropValue is a single property value. Only the field matching the tag's
// type is meaningful; multi-valued tags use the slice fields.
type PropValue struct {
	Tag   PropTag  `bson:"tag" json:"tag"`
	Int   int64    `bson:"i,omitempty" json:"i,omitempty"`
	Float float64  `bson:"f,omitempty" json:"f,omitempty"`
	Bool  bool     `bson:"b,omitempty" json:"b,omitempty"`
	Str   string   `bson:"s,omitempty" json:"s,omitempty"`
	Bin   []byte   `bson:"bin,omitempty" json:"bin,omitempty"`
	Ints  []int64  `bson:"mvi,omitempty" json:"mvi,omitempty"`
	Strs  []string `bson:"mvs,omitempty" json:"mvs,omitempty"`
	Bins  [][]byte `bson:"mvbin,omitempty" json:"mvbin,omitempty"`
}

// Long returns a TypeLong value.
func Long(tag PropTag, v int32) PropValue { return PropValue{Tag: tag, Int: int64(v)} }

// Int8 returns a TypeI8 or TypeSysTime value.
func Int8(tag PropTag, v int64) PropValue { return PropValue{Tag: tag, Int: v} }

// Double returns a TypeDouble value.
func Double(tag PropTag, v float64) PropValue { return PropValue{Tag: tag, Float: v} }

// Boolean returns a TypeBoolean value.
func Boolean(tag PropTag, v bool) PropValue { return PropValue{Tag: tag, Bool: v} }

// String returns a TypeUnicode or TypeString8 value.
func String(tag PropTag, v string) PropValue { return PropValue{Tag: tag, Str: v} }

// Binary returns a TypeBinary value.
func Binary(tag PropTag, v []byte) PropValue { return PropValue{Tag: tag, Bin: v} }

// Strings returns a TypeMVUnicode value.
func Strings(tag PropTag, v ...string) PropValue { return PropValue{Tag: tag, Strs: v} }

// Ints returns a TypeMVLong or TypeMVI8 value.
func Ints(tag PropTag, v ...int64) PropValue { return PropValue{Tag: tag, Ints: v} }

// Values expands a multi-valued property into single values of the base
// type. A single-valued property is returned as is.
func (v PropValue) Values() []PropValue {
	if !v.Tag.IsMultiValued() {
		return []PropValue{v}
	}
	single := NewPropTag(v.Tag.ID(), v.Tag.SingleType())
	var out []PropValue
	switch v.Tag.SingleType() {
	case TypeLong, TypeI8, TypeSysTime:
		for _, i := range v.Ints {
			out = append(out, PropValue{Tag: single, Int: i})
		}
	case TypeString8, TypeUnicode:
		for _, s := range v.Strs {
			out = append(out, PropValue{Tag: single, Str: s})
		}
	case TypeBinary:
		for _, b := range v.Bins {
			out = append(out, PropValue{Tag: single, Bin: b})
		}
	}
	return out
}

// Size returns the byte size of the value as used by size restrictions.
func (v PropValue) Size() int {
	switch v.Tag.Type() {
	case TypeLong:
		return 4
	case TypeBoolean:
		return 2
	case TypeDouble, TypeI8, TypeSysTime:
		return 8
	case TypeString8, TypeUnicode:
		return len(v.Str)
	case TypeBinary:
		return len(v.Bin)
	case TypeMVLong:
		return 4 * len(v.Ints)
	case TypeMVI8:
		return 8 * len(v.Ints)
	case TypeMVString8, TypeMVUnicode:
		n := 0
		for _, s := range v.Strs {
			n += len(s)
		}
		return n
	case TypeMVBinary:
		n := 0
		for _, b := range v.Bins {
			n += len(b)
		}
		return n
	}
	return 0
}

// Row is the set of properties fetched for one message.
type Row struct {
	ObjectID uint32
	Props    map[PropTag]PropValue
}

// NewRow builds a row from a list of values.
func NewRow(objectID uint32, values ...PropValue) Row {
	r := Row{ObjectID: objectID, Props: make(map[PropTag]PropValue, len(values))}
	for _, v := range values {
		r.Props[v.Tag] = v
	}
	return r
}

// Get looks a property up by tag. STRING8 and UNICODE variants of the same
// id are interchangeable, and a single-valued tag also finds the
// multi-valued property with the same id.
func (r Row) Get(tag PropTag) (PropValue, bool) {
	if v, ok := r.lookup(tag); ok {
		return v, true
	}
	if tag.IsMultiValued() {
		return PropValue{}, false
	}
	return r.lookup(NewPropTag(tag.ID(), tag.Type()|TypeMVFlag))
}

func (r Row) lookup(tag PropTag) (PropValue, bool) {
	if v, ok := r.Props[tag]; ok {
		return v, true
	}
	if !tag.Type().IsString() {
		return PropValue{}, false
	}
	alt := tag.Type() ^ (TypeString8 ^ TypeUnicode)
	v, ok := r.Props[NewPropTag(tag.ID(), alt)]
	return v, ok
}

// Flags returns TagMessageFlags, or 0 when absent.
func (r Row) Flags() uint32 {
	v, ok := r.Props[TagMessageFlags]
	if !ok {
		return 0
	}
	return uint32(v.Int)
}
