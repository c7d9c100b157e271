package socketcan

import (
	"testing"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

func TestCANFrameLayoutRoundTrip(t *testing.T) {
	want := can.MustFrame(0x3AC, 0xDE, 0xAD, 0xBE, 0xEF)
	buf := make([]byte, frameSize)
	encodeCANFrame(buf, want)
	if buf[0] != 0xAC || buf[1] != 0x03 || buf[4] != 4 || buf[8] != 0xDE {
		t.Fatalf("unexpected layout % X", buf)
	}
	var raw can.RawFrame
	decodeCANFrame(buf, &raw)
	got, ok := raw.Standard()
	if !ok || got != want {
		t.Fatalf("round trip mismatch: ok=%v got=%v want=%v", ok, got, want)
	}
}

func TestDecodeCANFrameClampsDLC(t *testing.T) {
	buf := make([]byte, frameSize)
	buf[0] = 0x01
	buf[4] = 15
	var raw can.RawFrame
	decodeCANFrame(buf, &raw)
	if raw.Len != 8 {
		t.Fatalf("expected DLC clamp to 8, got %d", raw.Len)
	}
}
