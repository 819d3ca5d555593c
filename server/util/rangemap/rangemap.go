package rangemap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	RangeOverlapError      = errors.New("Range overlap")
	RangeDoesNotExistError = errors.New("Range does not exist")
	EmptyRangeError        = errors.New("Range is empty")
)

// Ranges are [inclusive,exclusive)
type Range[V any] struct {
	Left  uint64
	Right uint64

	Val V
}

func (r *Range[V]) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Left, r.Right)
}

func (r *Range[V]) Contains(key uint64) bool {
	return key >= r.Left && key < r.Right
}

// Len returns the number of keys covered by the range.
func (r *Range[V]) Len() uint64 {
	return r.Right - r.Left
}

// RangeMap holds a sorted set of non-overlapping ranges. It is not safe for
// concurrent mutation.
type RangeMap[V any] struct {
	ranges []*Range[V]
}

func New[V any]() *RangeMap[V] {
	return &RangeMap[V]{
		ranges: make([]*Range[V], 0),
	}
}

func (rm *RangeMap[V]) Add(left, right uint64, value V) (*Range[V], error) {
	if left >= right {
		return nil, EmptyRangeError
	}
	// First range that starts at or after the new range's end.
	insertIndex := sort.Search(len(rm.ranges), func(i int) bool {
		return rm.ranges[i].Left >= right
	})

	// Everything before insertIndex starts before right, so only the range
	// immediately before it can reach into [left, right).
	prevRangeIndex := insertIndex - 1
	if prevRangeIndex >= 0 && rm.ranges[prevRangeIndex].Right > left {
		return nil, RangeOverlapError
	}

	newRange := &Range[V]{
		Left:  left,
		Right: right,
		Val:   value,
	}

	if insertIndex >= len(rm.ranges) {
		rm.ranges = append(rm.ranges, newRange)
	} else {
		rm.ranges = append(rm.ranges[:insertIndex+1], rm.ranges[insertIndex:]...)
		rm.ranges[insertIndex] = newRange
	}
	return newRange, nil
}

func (rm *RangeMap[V]) Remove(left, right uint64) error {
	i := rm.indexOf(left)
	if i < 0 || rm.ranges[i].Left != left || rm.ranges[i].Right != right {
		return RangeDoesNotExistError
	}
	rm.ranges = append(rm.ranges[:i], rm.ranges[i+1:]...)
	return nil
}

// indexOf returns the index of the last range starting at or before key, or
// -1 if there is none.
func (rm *RangeMap[V]) indexOf(key uint64) int {
	// Smallest range that starts after key, then one to the left of it.
	i := sort.Search(len(rm.ranges), func(i int) bool {
		return rm.ranges[i].Left > key
	})
	return i - 1
}

// Get returns the range containing key, or nil.
func (rm *RangeMap[V]) Get(key uint64) *Range[V] {
	i := rm.indexOf(key)
	if i >= 0 && rm.ranges[i].Contains(key) {
		return rm.ranges[i]
	}
	return nil
}

// Lookup returns the value of the range containing key.
func (rm *RangeMap[V]) Lookup(key uint64) (V, bool) {
	if r := rm.Get(key); r != nil {
		return r.Val, true
	}
	var zero V
	return zero, false
}

// GetOverlapping returns all ranges that intersect [left, right).
func (rm *RangeMap[V]) GetOverlapping(left, right uint64) []*Range[V] {
	if len(rm.ranges) == 0 || left >= right {
		return nil
	}
	leftIndex := rm.indexOf(left)
	if leftIndex < 0 || !rm.ranges[leftIndex].Contains(left) {
		leftIndex++
	}
	rightIndex := sort.Search(len(rm.ranges), func(i int) bool {
		return rm.ranges[i].Left >= right
	})
	if leftIndex >= rightIndex {
		return nil
	}
	return rm.ranges[leftIndex:rightIndex]
}

func (rm *RangeMap[V]) String() string {
	var buf strings.Builder
	buf.WriteString("RangeMap:")
	for _, r := range rm.ranges {
		buf.WriteString("\n")
		buf.WriteString(r.String())
	}
	return buf.String()
}

func (rm *RangeMap[V]) Ranges() []*Range[V] {
	return rm.ranges
}

func (rm *RangeMap[V]) Len() int {
	return len(rm.ranges)
}

func (rm *RangeMap[V]) Clear() {
	rm.ranges = make([]*Range[V], 0)
}
