package restriction

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/searchfolder/pkg/model"
)

var tagSubject8 = model.NewPropTag(model.TagSubject.ID(), model.TypeString8)

func testRow() model.Row {
	return model.NewRow(1,
		model.Long(model.TagMessageFlags, int32(model.MsgFlagHasAttach)),
		model.Long(model.TagImportance, 2),
		model.Long(model.TagMessageSize, 2048),
		model.String(model.TagSubject, "Re: Quarterly Résumé"),
		model.String(model.TagSenderName, "Alice"),
		model.Strings(model.TagKeywords, "finance", "urgent"),
		model.Int8(model.TagDeliveryTime, 1000),
		model.Binary(model.NewPropTag(0x0FFF, model.TypeBinary), []byte{0xDE, 0xAD, 0xBE, 0xEF}),
	)
}

func TestMatch(t *testing.T) {
	e, err := NewEvaluator("en")
	require.NoError(t, err)
	entryID := model.NewPropTag(0x0FFF, model.TypeBinary)
	keyword := model.NewPropTag(model.TagKeywords.ID(), model.TypeUnicode)

	tests := []struct {
		name string
		r    *model.Restriction
		want bool
	}{
		{"property eq", model.Property(model.RelOpEQ, model.Long(model.TagImportance, 2)), true},
		{"property ne", model.Property(model.RelOpNE, model.Long(model.TagImportance, 2)), false},
		{"property lt", model.Property(model.RelOpLT, model.Long(model.TagImportance, 3)), true},
		{"property ge", model.Property(model.RelOpGE, model.Long(model.TagImportance, 3)), false},
		{"property missing", model.Property(model.RelOpEQ, model.Long(model.TagMessageClass, 2)), false},
		{"property type mismatch", model.Property(model.RelOpEQ, model.String(model.NewPropTag(model.TagImportance.ID(), model.TypeUnicode), "2")), false},
		{"string collated ignores case", model.Property(model.RelOpEQ, model.String(model.TagSenderName, "alice")), true},
		{"string8 against unicode", model.Property(model.RelOpEQ, model.String(model.NewPropTag(model.TagSenderName.ID(), model.TypeString8), "ALICE")), true},
		{"string ordering", model.Property(model.RelOpLT, model.String(model.TagSenderName, "bob")), true},
		{"regexp", model.Property(model.RelOpRE, model.String(model.TagSubject, `^Re:\s+Q`)), true},
		{"regexp no match", model.Property(model.RelOpRE, model.String(model.TagSubject, `^Fwd:`)), false},
		{"mv any element", model.Property(model.RelOpEQ, model.String(keyword, "urgent")), true},
		{"mv no element", model.Property(model.RelOpEQ, model.String(keyword, "social")), false},
		{"systime", model.Property(model.RelOpGT, model.Int8(model.TagDeliveryTime, 999)), true},

		{"content substring", model.Content(model.FLSubstring, model.String(model.TagSubject, "Quarterly")), true},
		{"content substring case sensitive", model.Content(model.FLSubstring, model.String(model.TagSubject, "quarterly")), false},
		{"content ignore case", model.Content(model.FLSubstring|model.FLIgnoreCase, model.String(model.TagSubject, "QUARTERLY")), true},
		{"content ignore nonspace", model.Content(model.FLSubstring|model.FLIgnoreNonSpace, model.String(model.TagSubject, "Resume")), true},
		{"content accents kept", model.Content(model.FLSubstring, model.String(model.TagSubject, "Resume")), false},
		{"content loose", model.Content(model.FLSubstring|model.FLLoose, model.String(model.TagSubject, "RESUME")), true},
		{"content prefix", model.Content(model.FLPrefix, model.String(model.TagSubject, "Re:")), true},
		{"content prefix miss", model.Content(model.FLPrefix, model.String(model.TagSubject, "Quarterly")), false},
		{"content fullstring", model.Content(model.FLFullString|model.FLIgnoreCase, model.String(model.TagSenderName, "ALICE")), true},
		{"content fullstring partial", model.Content(model.FLFullString, model.String(model.TagSenderName, "Ali")), false},
		{"content string8 needle", model.Content(model.FLSubstring, model.String(tagSubject8, "Quarterly")), true},
		{"content mv", model.Content(model.FLPrefix, model.String(keyword, "urg")), true},
		{"content binary", model.Content(model.FLSubstring, model.Binary(entryID, []byte{0xAD, 0xBE})), true},
		{"content binary prefix miss", model.Content(model.FLPrefix, model.Binary(entryID, []byte{0xAD})), false},
		{"content missing", model.Content(model.FLSubstring, model.String(model.TagBody, "x")), false},

		{"bitmask nez", model.Bitmask(model.BitmaskNEZ, model.TagMessageFlags, model.MsgFlagHasAttach), true},
		{"bitmask eqz", model.Bitmask(model.BitmaskEQZ, model.TagMessageFlags, model.MsgFlagRead), true},
		{"bitmask eqz set", model.Bitmask(model.BitmaskEQZ, model.TagMessageFlags, model.MsgFlagHasAttach), false},
		{"bitmask on string", model.Bitmask(model.BitmaskNEZ, model.TagSubject, 1), false},
		{"bitmask missing", model.Bitmask(model.BitmaskEQZ, model.TagMessageClass, 1), false},

		{"size", model.Size(model.RelOpEQ, model.TagMessageSize, 4), true},
		{"size string", model.Size(model.RelOpGT, model.TagSenderName, 3), true},
		{"size missing", model.Size(model.RelOpGE, model.TagBody, 0), false},

		{"exist", model.Exist(model.TagSubject), true},
		{"exist string8 alias", model.Exist(tagSubject8), true},
		{"not exist", model.Not(model.Exist(model.TagBody)), true},

		{"compareprops", model.CompareProps(model.RelOpGT, model.TagMessageSize, model.TagImportance), true},
		{"compareprops mismatch", model.CompareProps(model.RelOpEQ, model.TagMessageSize, model.TagSubject), false},
		{"compareprops missing", model.CompareProps(model.RelOpEQ, model.TagBody, model.TagSubject), false},

		{"empty and", model.And(), true},
		{"empty or", model.Or(), false},
		{"and", model.And(model.Exist(model.TagSubject), model.Exist(model.TagImportance)), true},
		{"and one false", model.And(model.Exist(model.TagSubject), model.Exist(model.TagBody)), false},
		{"or", model.Or(model.Exist(model.TagBody), model.Exist(model.TagImportance)), true},
		{"comment", model.Comment(model.Exist(model.TagSubject)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Match(tt.r, testRow())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchShortCircuit(t *testing.T) {
	e, err := NewEvaluator("")
	require.NoError(t, err)

	// The malformed second child is never reached.
	bad := &model.Restriction{Type: model.ResNot}
	ok, err := e.Match(model.Or(model.Exist(model.TagSubject), bad), testRow())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Match(model.And(model.Exist(model.TagBody), bad), testRow())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.Match(model.And(model.Exist(model.TagSubject), bad), testRow())
	assert.ErrorIs(t, err, model.ErrCorrupt)
}

func TestMatchErrors(t *testing.T) {
	e, err := NewEvaluator("en")
	require.NoError(t, err)

	_, err = e.Match(nil, testRow())
	assert.ErrorIs(t, err, model.ErrCorrupt)

	_, err = e.Match(&model.Restriction{Type: model.RestrictionType(42)}, testRow())
	assert.ErrorIs(t, err, model.ErrCorrupt)

	_, err = e.Match(model.Property(model.RelOpRE, model.String(model.TagSubject, "(")), testRow())
	assert.ErrorIs(t, err, model.ErrCorrupt)
}

func TestNewEvaluatorBadLocale(t *testing.T) {
	_, err := NewEvaluator("not a locale!")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestMatchCriteria(t *testing.T) {
	e, err := NewEvaluator("en")
	require.NoError(t, err)

	ok, err := e.MatchCriteria(&model.SearchCriteria{Folders: []uint32{1}}, testRow())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.MatchCriteria(&model.SearchCriteria{
		Folders:     []uint32{1},
		Restriction: model.Property(model.RelOpEQ, model.Long(model.TagImportance, 9)),
	}, testRow())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequiredTags(t *testing.T) {
	assert.Equal(t, []model.PropTag{model.TagMessageFlags}, RequiredTags(nil))

	c := &model.SearchCriteria{Restriction: model.And(
		model.Exist(model.TagSubject),
		model.Bitmask(model.BitmaskNEZ, model.TagMessageFlags, 1),
		model.Exist(model.TagImportance),
	)}
	assert.Equal(t, []model.PropTag{model.TagMessageFlags, model.TagSubject, model.TagImportance}, RequiredTags(c))
}

func TestRegexpCacheEviction(t *testing.T) {
	e, err := NewEvaluator("en")
	require.NoError(t, err)

	for i := 0; i < MaxRegexpCacheSize+5; i++ {
		_, err := e.regexp("^a" + strconv.Itoa(i))
		require.NoError(t, err)
	}
	assert.Len(t, e.reCache, MaxRegexpCacheSize)
	assert.Len(t, e.reOrder, MaxRegexpCacheSize)
}

func TestConcurrentMatch(t *testing.T) {
	e, err := NewEvaluator("de")
	require.NoError(t, err)
	r := model.And(
		model.Content(model.FLSubstring|model.FLLoose, model.String(model.TagSubject, "resume")),
		model.Property(model.RelOpEQ, model.String(model.TagSenderName, "ALICE")),
	)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ok, err := e.Match(r, testRow())
				assert.NoError(t, err)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}
