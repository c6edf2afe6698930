package circular

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	max16 uint32 = 0xFFFF
	max32 uint32 = 0xFFFFFFFF
)

func ExampleNumber_Inc() {
	a := New(42, max16)
	b := a.Inc()

	fmt.Println(b.Val())
	// Output: 43
}

func TestIncNoWrap(t *testing.T) {
	a := New(42, max16)

	require.Equal(t, uint32(42), a.Val())

	a = a.Inc()

	require.Equal(t, uint32(43), a.Val())
}

func TestIncWrap(t *testing.T) {
	a := New(max16-1, max16)

	a = a.Inc()

	require.Equal(t, max16, a.Val())

	a = a.Inc()

	require.Equal(t, uint32(0), a.Val())
}

func TestDecWrap(t *testing.T) {
	a := New(0, max16)

	a = a.Dec()

	require.Equal(t, max16, a.Val())

	a = a.Dec()

	require.Equal(t, max16-1, a.Val())
}

func TestAddWrap(t *testing.T) {
	a := New(max32-1, max32)

	a = a.Add(3)

	require.Equal(t, uint32(1), a.Val())
}

func TestSubWrap(t *testing.T) {
	a := New(1, max32)

	a = a.Sub(3)

	require.Equal(t, max32-1, a.Val())
}

func TestDistanceNoWrap(t *testing.T) {
	a := New(42, max16)
	b := New(50, max16)

	require.Equal(t, uint32(8), a.Distance(b))
	require.Equal(t, uint32(8), b.Distance(a))
}

func TestDistanceWrap(t *testing.T) {
	a := New(max16, max16)
	b := New(2, max16)

	require.Equal(t, uint32(3), a.Distance(b))
	require.Equal(t, uint32(3), b.Distance(a))
}

func TestDiff(t *testing.T) {
	a := New(50, max16)
	b := New(42, max16)

	require.Equal(t, int64(8), a.Diff(b))
	require.Equal(t, int64(-8), b.Diff(a))
}

func TestDiffWrap(t *testing.T) {
	// 0 directly follows 65535, not 65535 steps behind it.
	a := New(0, max16)
	b := New(max16, max16)

	require.Equal(t, int64(1), a.Diff(b))
	require.Equal(t, int64(-1), b.Diff(a))
}

func TestDiff32Wrap(t *testing.T) {
	a := New(5, max32)
	b := New(max32-4, max32)

	require.Equal(t, int64(10), a.Diff(b))
	require.Equal(t, int64(-10), b.Diff(a))
}

func TestCompareWrap(t *testing.T) {
	a := New(max16, max16)
	b := New(0, max16)

	require.True(t, a.Lt(b))
	require.True(t, b.Gt(a))
	require.False(t, a.Gt(b))

	require.True(t, a.Lte(a))
	require.True(t, a.Gte(a))
}

func TestNewWraps(t *testing.T) {
	a := New(max16+5, max16)

	require.Equal(t, uint32(4), a.Val())
}
