package kfmt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"100%%", nil, "100%"},
		{"[%s] %d frames", []interface{}{"pmm", 16}, "[pmm] 16 frames"},
		{"%s", []interface{}{[]byte("bytes")}, "bytes"},
		{"%6s|", []interface{}{"ab"}, "    ab|"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"0x%x", []interface{}{uintptr(0xffff800000000000)}, "0xffff800000000000"},
		{"0x%16x", []interface{}{uint64(0x1000)}, "0x0000000000001000"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%4d|", []interface{}{int32(-5)}, "  -5|"},
		{"%5x", []interface{}{int16(-0xa)}, "-000a"},
		{"%d %d %d %d", []interface{}{int8(-1), uint16(2), uint32(3), int64(-4)}, "-1 2 3 -4"},
		{"%d", []interface{}{uint(0)}, "0"},
		{"%d", nil, "(MISSING)"},
		{"%d", []interface{}{"not a number"}, "%!(WRONGTYPE)"},
		{"%t", []interface{}{1}, "%!(WRONGTYPE)"},
		{"%s", []interface{}{3.14}, "%!(WRONGTYPE)"},
		{"%", nil, "%!(NOVERB)"},
		{"%q", []interface{}{1}, "%!(NOVERB)%!(EXTRA)"},
		{"done", []interface{}{1, 2}, "done%!(EXTRA)%!(EXTRA)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		require.Equalf(t, spec.exp, buf.String(), "[spec %d]", specIndex)
	}
}

func TestPrintfToEarlyBuffer(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)
	earlyPrintBuffer.rIndex, earlyPrintBuffer.wIndex = 0, 0

	Printf("[boot] %d regions\n", 3)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	require.Equal(t, "[boot] 3 regions\n", buf.String())

	Printf("[pmm] ready\n")
	require.Equal(t, "[boot] 3 regions\n[pmm] ready\n", buf.String())
}
