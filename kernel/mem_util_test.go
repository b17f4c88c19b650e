package kernel

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, 4096*pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		addr := uintptr(unsafe.Pointer(&buf[0]))
		Memset(addr, 0x00, uintptr(len(buf)))

		for i := 0; i < len(buf); i++ {
			require.Zerof(t, buf[i], "[block with %d pages] expected byte %d to be 0", pageCount, i)
		}
	}
}

func TestMemsetOddSize(t *testing.T) {
	buf := make([]byte, 4099)
	Memset(uintptr(unsafe.Pointer(&buf[1])), 0xAB, 4097)

	require.Zero(t, buf[0])
	require.Zero(t, buf[4098])
	for i := 1; i < 4098; i++ {
		require.Equalf(t, byte(0xAB), buf[i], "byte %d", i)
	}
}
