package epc

import (
	"errors"
	"testing"
)

func TestLimitKindCheckBoundaries(t *testing.T) {
	for k := LimitKind(0); k < numLimitKinds; k++ {
		b := k.HardwareBounds()
		if err := k.Check(Limit{Max: b.Max, Min: b.Min}); err != nil {
			t.Fatalf("%s: exact hardware bounds rejected: %v", k, err)
		}
		if err := k.Check(Limit{Max: b.Min, Min: b.Min}); err != nil {
			t.Fatalf("%s: degenerate pair rejected: %v", k, err)
		}
		for _, l := range []Limit{
			{Max: b.Max + 1, Min: b.Min},
			{Max: b.Max, Min: b.Min - 1},
			{Max: b.Min, Min: b.Max},
		} {
			if err := k.Check(l); !errors.Is(err, ErrRange) {
				t.Fatalf("%s: %+v: expected ErrRange, got %v", k, l, err)
			}
		}
	}
}

func TestNewLimits(t *testing.T) {
	hw := HardwareLimits()
	if _, err := NewLimits(hw.LSVolt, hw.LSCurr, hw.LSPwr, hw.HSVolt, hw.Temp); err != nil {
		t.Fatalf("hardware limits rejected: %v", err)
	}
	_, err := NewLimits(hw.LSVolt, hw.LSCurr, Limit{Max: 801, Min: 0}, hw.HSVolt, hw.Temp)
	if !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange for power limit, got %v", err)
	}
}

func TestNewProperties(t *testing.T) {
	p, err := NewProperties(5, 3, 0x680, 42, HardwareLimits())
	if err != nil {
		t.Fatal(err)
	}
	if p.BaseID() != 0x050 {
		t.Fatalf("base id 0x%03X", p.BaseID())
	}
	if _, err := NewProperties(64, 3, 0, 0, HardwareLimits()); !errors.Is(err, ErrRange) {
		t.Fatalf("device id 64 should not fit, got %v", err)
	}
	if _, err := NewProperties(1, 32, 0, 0, HardwareLimits()); !errors.Is(err, ErrRange) {
		t.Fatalf("firmware 32 should not fit, got %v", err)
	}
	if _, err := NewProperties(1, 0, 0x2000, 0, HardwareLimits()); !errors.Is(err, ErrRange) {
		t.Fatalf("hardware 0x2000 should not fit, got %v", err)
	}
}

func TestHWVersionCapabilities(t *testing.T) {
	cases := []struct {
		hw                   HWVersion
		body, anode, ambient bool
	}{
		{0, false, false, false},
		{1 << 9, true, false, false},
		{1 << 7, false, true, false},
		{1 << 8, false, true, false},
		{1 << 10, false, false, true},
		{0x780, true, true, true},
	}
	for _, tc := range cases {
		if tc.hw.HasBodyTemp() != tc.body || tc.hw.HasAnodeTemp() != tc.anode || tc.hw.HasAmbientTemp() != tc.ambient {
			t.Fatalf("hw 0x%03X: unexpected capabilities", uint16(tc.hw))
		}
	}
}

func TestFrameIDSplit(t *testing.T) {
	for dev := uint8(0); dev <= MaxDeviceID; dev++ {
		for _, mt := range []MsgType{MsgMode, MsgInfo, MsgTempMeas} {
			id := FrameID(dev, mt)
			if id&DeviceMask != FrameID(dev, MsgMode) {
				t.Fatalf("0x%03X escapes device mask", id)
			}
			gd, gt := SplitID(id)
			if gd != dev || gt != mt {
				t.Fatalf("split 0x%03X = %d/%s", id, gd, gt)
			}
		}
	}
}
