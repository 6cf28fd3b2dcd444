package main

import "testing"

func TestHardwareKindBoardCodeAndMaxDDCs(t *testing.T) {
	cases := []struct {
		hw         HardwareKind
		boardCode  byte
		maxDDCs    int
	}{
		{HardwareAtlas, 0, 2},
		{HardwareHermes, 1, 4},
		{HardwareHermesII, 2, 4},
		{HardwareAngelia, 3, 5},
		{HardwareOrion, 4, 5},
		{HardwareOrionMKII, 5, 8},
		{HardwareHermesLite, 6, 2},
		{HardwareSaturn, 10, 10},
		{HardwareSaturnMKII, 11, 10},
	}
	for _, c := range cases {
		if got := c.hw.BoardCode(); got != c.boardCode {
			t.Errorf("hw=%d: expected board code %d, got %d", c.hw, c.boardCode, got)
		}
		if got := c.hw.MaxDDCs(); got != c.maxDDCs {
			t.Errorf("hw=%d: expected max DDCs %d, got %d", c.hw, c.maxDDCs, got)
		}
	}
}

func TestParseHardwareKind(t *testing.T) {
	hw, err := ParseHardwareKind("Hermes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hw != HardwareHermes {
		t.Errorf("expected case-insensitive match to HardwareHermes, got %d", hw)
	}

	if _, err := ParseHardwareKind("not-a-radio"); err == nil {
		t.Error("expected an error for an unknown radio kind")
	}
}

func TestHardwareKindSupportsProtocol1(t *testing.T) {
	protocol1Capable := map[HardwareKind]bool{
		HardwareAtlas:      true,
		HardwareHermes:     true,
		HardwareHermesII:   true,
		HardwareHermesLite: true,
		HardwareAngelia:    false,
		HardwareOrion:      false,
		HardwareOrionMKII:  false,
		HardwareSaturn:     false,
		HardwareSaturnMKII: false,
	}
	for hw, want := range protocol1Capable {
		if got := hw.SupportsProtocol1(); got != want {
			t.Errorf("hw=%d: expected SupportsProtocol1=%v, got %v", hw, want, got)
		}
	}
}

func TestRadioStateNActiveDDCClamps(t *testing.T) {
	cfg := RadioConfig{HW: HardwareHermes, NumDDCs: 1}
	state := NewRadioState(cfg)

	state.SetNActiveDDC(0)
	if got := state.NActiveDDC(); got != 1 {
		t.Errorf("expected clamp to minimum 1, got %d", got)
	}

	state.SetNActiveDDC(99)
	if got := state.NActiveDDC(); got != HardwareHermes.MaxDDCs() {
		t.Errorf("expected clamp to max DDCs %d, got %d", HardwareHermes.MaxDDCs(), got)
	}
}

func TestRadioStateSeqResetsOnRisingEdge(t *testing.T) {
	cfg := RadioConfig{HW: HardwareHermes, NumDDCs: 1}
	state := NewRadioState(cfg)

	state.SetRunning(true)
	state.NextSeq()
	state.NextSeq()
	if state.SeqOut() == 0 {
		t.Fatal("expected seq to have advanced")
	}

	state.SetRunning(false)
	state.SetRunning(true)
	if got := state.SeqOut(); got != 0 {
		t.Errorf("expected seq_out to reset to 0 on running rising edge, got %d", got)
	}
}

func TestRadioStatePTTFallingEdgeDetection(t *testing.T) {
	cfg := RadioConfig{HW: HardwareHermes, NumDDCs: 1}
	state := NewRadioState(cfg)

	if fe := state.SetPTT(true); fe {
		t.Error("rising edge should not report as falling edge")
	}
	if fe := state.SetPTT(true); fe {
		t.Error("no-change should not report as falling edge")
	}
	if fe := state.SetPTT(false); !fe {
		t.Error("expected true->false transition to report as falling edge")
	}
}

func TestRadioStateTelemetryRotation(t *testing.T) {
	cfg := RadioConfig{HW: HardwareHermes, NumDDCs: 1}
	state := NewRadioState(cfg)

	want := []byte{0x00, 0x08, 0x10, 0x18, 0x00, 0x08}
	for i, w := range want {
		if got := state.NextTelemetryAddr(); got != w {
			t.Errorf("rotation step %d: expected 0x%02x, got 0x%02x", i, w, got)
		}
	}
}

func TestRadioStateSampleRateDefaultsOnInvalid(t *testing.T) {
	cfg := RadioConfig{HW: HardwareHermes, NumDDCs: 1, SampleRateHz: 12345}
	state := NewRadioState(cfg)
	if got := state.SampleRateHz(); got != sampleRate48k {
		t.Errorf("expected invalid sample rate to default to 48000, got %d", got)
	}

	state.SetSampleRateHz(999)
	if got := state.SampleRateHz(); got != sampleRate48k {
		t.Errorf("expected SetSampleRateHz to reject invalid rate, got %d", got)
	}

	state.SetSampleRateHz(sampleRate192k)
	if got := state.SampleRateHz(); got != sampleRate192k {
		t.Errorf("expected valid sample rate to be accepted, got %d", got)
	}
}
