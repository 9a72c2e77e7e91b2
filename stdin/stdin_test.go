// Read crosses mutex.Spinlock.WithoutInterrupts, which executes cli/sti and
// therefore only runs correctly in ring 0; these tests exercise the
// bookkeeping (Full, Empty, PushByte) that Read relies on instead.
package stdin_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"limnos/stdin"
)

func TestEmptyAndFullOnFreshBuffer(t *testing.T) {
	b := &stdin.Buffer{}
	require.True(t, b.Empty())
	require.False(t, b.Full())
}

func TestPushByteAdvancesHeadUntilFull(t *testing.T) {
	b := &stdin.Buffer{}
	for i := 0; i < 4096; i++ {
		require.False(t, b.Full())
		b.PushByte(byte(i))
	}
	require.True(t, b.Full())
}

func TestPushByteDropsSilentlyWhenFull(t *testing.T) {
	b := &stdin.Buffer{}
	for i := 0; i < 4096; i++ {
		b.PushByte(byte(i))
	}
	require.True(t, b.Full())
	require.NotPanics(t, func() { b.PushByte(0xFF) })
	require.True(t, b.Full(), "an overflow push must not change buffer state")
}
