package rangemap_test

import (
	"testing"

	"github.com/buildbuddy-io/snappager/server/util/rangemap"
	"github.com/stretchr/testify/require"
)

func TestAddOrdering(t *testing.T) {
	r := rangemap.New[int]()

	addRange := func(left, right uint64, id int) {
		_, err := r.Add(left, right, id)
		require.NoError(t, err)
	}

	addRange(0x3000, 0x4000, 2)
	addRange(0x1000, 0x2000, 1)
	addRange(0x7000, 0x8000, 4)
	addRange(0xd000, 0xe000, 7)
	addRange(0xb000, 0xc000, 6)
	addRange(0x5000, 0x6000, 3)
	addRange(0xf000, 0x11000, 8)
	addRange(0x9000, 0xa000, 5)

	ranges := r.Ranges()

	require.Equal(t, 8, len(ranges))
	for i, rng := range ranges {
		require.Equal(t, i+1, rng.Val)
	}
}

func TestAddOverlapError(t *testing.T) {
	r := rangemap.New[int]()

	var err error
	_, err = r.Add(0x1000, 0x3000, 1)
	require.NoError(t, err)

	_, err = r.Add(0x2000, 0x6000, 2)
	require.Equal(t, rangemap.RangeOverlapError, err)

	_, err = r.Add(0x0, 0x1001, 2)
	require.Equal(t, rangemap.RangeOverlapError, err)
	r.Clear()

	_, err = r.Add(0x1000, 0x10000, 1)
	require.NoError(t, err)

	_, err = r.Add(0x2000, 0x3000, 2)
	require.Equal(t, rangemap.RangeOverlapError, err)
}

func TestAdjacentRangesDoNotOverlap(t *testing.T) {
	r := rangemap.New[string]()

	_, err := r.Add(0x1000, 0x2000, "a")
	require.NoError(t, err)
	_, err = r.Add(0x2000, 0x3000, "b")
	require.NoError(t, err)
	_, err = r.Add(0x0, 0x1000, "c")
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())
}

func TestAddEmptyRange(t *testing.T) {
	r := rangemap.New[int]()
	_, err := r.Add(0x1000, 0x1000, 1)
	require.Equal(t, rangemap.EmptyRangeError, err)
}

func TestRemove(t *testing.T) {
	r := rangemap.New[int]()
	_, err := r.Add(0x1000, 0x2000, 1)
	require.NoError(t, err)
	_, err = r.Add(0x4000, 0x5000, 2)
	require.NoError(t, err)

	require.Equal(t, rangemap.RangeDoesNotExistError, r.Remove(0x1000, 0x1800))
	require.NoError(t, r.Remove(0x1000, 0x2000))
	require.Equal(t, rangemap.RangeDoesNotExistError, r.Remove(0x1000, 0x2000))
	require.Equal(t, 1, r.Len())

	// The freed range can be added again.
	_, err = r.Add(0x1000, 0x3000, 3)
	require.NoError(t, err)
}

func TestLookup(t *testing.T) {
	r := rangemap.New[string]()
	_, err := r.Add(0x1000, 0x2000, "a")
	require.NoError(t, err)
	_, err = r.Add(0x3000, 0x4000, "b")
	require.NoError(t, err)

	for _, tc := range []struct {
		key   uint64
		val   string
		found bool
	}{
		{0x0, "", false},
		{0x1000, "a", true},
		{0x1fff, "a", true},
		{0x2000, "", false},
		{0x2fff, "", false},
		{0x3000, "b", true},
		{0x3fff, "b", true},
		{0x4000, "", false},
	} {
		val, found := r.Lookup(tc.key)
		require.Equal(t, tc.found, found, "key %#x", tc.key)
		require.Equal(t, tc.val, val, "key %#x", tc.key)
	}
}

func TestGetOverlapping(t *testing.T) {
	r := rangemap.New[int]()
	_, err := r.Add(0x1000, 0x2000, 1)
	require.NoError(t, err)
	_, err = r.Add(0x3000, 0x4000, 2)
	require.NoError(t, err)
	_, err = r.Add(0x5000, 0x6000, 3)
	require.NoError(t, err)

	vals := func(rs []*rangemap.Range[int]) []int {
		var out []int
		for _, rng := range rs {
			out = append(out, rng.Val)
		}
		return out
	}

	require.Empty(t, r.GetOverlapping(0x0, 0x1000))
	require.Empty(t, r.GetOverlapping(0x2000, 0x3000))
	require.Equal(t, []int{1}, vals(r.GetOverlapping(0x0, 0x1001)))
	require.Equal(t, []int{1, 2}, vals(r.GetOverlapping(0x1800, 0x3001)))
	require.Equal(t, []int{2, 3}, vals(r.GetOverlapping(0x2000, 0x7000)))
	require.Equal(t, []int{1, 2, 3}, vals(r.GetOverlapping(0x0, 0x10000)))
	require.Empty(t, r.GetOverlapping(0x6000, 0x7000))
}
