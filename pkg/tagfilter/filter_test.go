package tagfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagSet(tags ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

func TestEmptyFilterAlwaysSatisfied(t *testing.T) {
	assert.True(t, Empty.IsEmpty())
	assert.True(t, Empty.CanSchedule(tagSet()))
	assert.True(t, Empty.CanSchedule(tagSet("gpu")))

	parsed, err := Parse("   ")
	require.NoError(t, err)
	assert.True(t, parsed.IsEmpty())
}

func TestAndOrNot(t *testing.T) {
	f := MustParse("gpu & !spot")
	assert.True(t, f.CanSchedule(tagSet("gpu")))
	assert.False(t, f.CanSchedule(tagSet("gpu", "spot")))
	assert.False(t, f.CanSchedule(tagSet("spot")))

	f2 := MustParse("ssd | nvme")
	assert.True(t, f2.CanSchedule(tagSet("ssd")))
	assert.True(t, f2.CanSchedule(tagSet("nvme")))
	assert.False(t, f2.CanSchedule(tagSet("hdd")))
}

func TestParenthesesAndPrecedence(t *testing.T) {
	// & binds tighter than |, so this is (a & b) | c
	f := MustParse("a & b | c")
	assert.True(t, f.CanSchedule(tagSet("c")))
	assert.True(t, f.CanSchedule(tagSet("a", "b")))
	assert.False(t, f.CanSchedule(tagSet("a")))

	grouped := MustParse("a & (b | c)")
	assert.True(t, grouped.CanSchedule(tagSet("a", "c")))
	assert.False(t, grouped.CanSchedule(tagSet("a")))
	assert.False(t, grouped.CanSchedule(tagSet("b", "c")))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("a & (b")
	assert.Error(t, err)

	_, err = Parse("a &")
	assert.Error(t, err)

	_, err = Parse("a ) b")
	assert.Error(t, err)
}

func TestHashStableAndDistinguishes(t *testing.T) {
	f1 := MustParse("gpu & !spot")
	f2 := MustParse("gpu & !spot")
	f3 := MustParse("gpu & spot")

	assert.Equal(t, f1.Hash(), f2.Hash())
	assert.True(t, Equal(f1, f2))
	assert.NotEqual(t, f1.Hash(), f3.Hash())
	assert.False(t, Equal(f1, f3))
}

func TestDirectoryRefCounting(t *testing.T) {
	dir := NewDirectory()
	f := MustParse("gpu")

	got1 := dir.Acquire(f)
	got2 := dir.Acquire(MustParse("gpu"))
	assert.Equal(t, 1, dir.Len())
	assert.Equal(t, got1.Hash(), got2.Hash())

	dir.Release(f.Hash())
	assert.Equal(t, 1, dir.Len(), "still referenced once more")

	dir.Release(f.Hash())
	assert.Equal(t, 0, dir.Len())
}

func TestDirectoryListDistinctFilters(t *testing.T) {
	dir := NewDirectory()
	dir.Acquire(MustParse("gpu"))
	dir.Acquire(MustParse("ssd | nvme"))
	dir.Acquire(Empty)

	list := dir.List()
	assert.Len(t, list, 3)
}
