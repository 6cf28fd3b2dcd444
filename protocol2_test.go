package main

import (
	"net"
	"testing"
)

func newTestProtocol2Server(t *testing.T) *Protocol2Server {
	t.Helper()
	state := NewRadioState(RadioConfig{HW: HardwareHermes, NumDDCs: 2, SampleRateHz: sampleRate48k})
	siggen := NewSignalGenerator(state, 1000, 0)
	srv := NewProtocol2Server(state, siggen, nil, NewMetrics())

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind test socket: %v", err)
	}
	srv.inbound[portGeneral] = sock
	t.Cleanup(func() { sock.Close() })
	return srv
}

func TestBuildDiscoveryResponseLayout(t *testing.T) {
	srv := newTestProtocol2Server(t)
	resp := srv.buildDiscoveryResponse()

	if len(resp) != 60 {
		t.Fatalf("expected 60-byte discovery response, got %d", len(resp))
	}
	if resp[4] != 0x02 {
		t.Errorf("expected status byte 0x02 at offset 4, got 0x%02x", resp[4])
	}
	if resp[12] != 1 {
		t.Errorf("expected protocol version 1 at offset 12, got %d", resp[12])
	}
	if resp[11] != HardwareHermes.BoardCode() {
		t.Errorf("expected board code %d at offset 11, got %d", HardwareHermes.BoardCode(), resp[11])
	}
	if int(resp[20]) != HardwareHermes.MaxDDCs() {
		t.Errorf("expected max ddcs %d at offset 20, got %d", HardwareHermes.MaxDDCs(), resp[20])
	}
}

func TestHandleRXSpecificSetsSampleRate(t *testing.T) {
	srv := newTestProtocol2Server(t)
	data := make([]byte, 21)
	data[18] = 0 // high byte of kHz
	data[19] = 96 // 96 kHz -> 96000 Hz

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	srv.handleRXSpecific(data, addr)

	if got := srv.state.SampleRateHz(); got != sampleRate96k {
		t.Errorf("expected sample rate 96000, got %d", got)
	}
}

func buildHighPriorityFrame(run, ptt bool, rxFreqs []uint32, txFreq uint32, txDrive byte) []byte {
	buf := make([]byte, 346)
	flags := byte(0)
	if run {
		flags |= 0x01
	}
	if ptt {
		flags |= 0x02
	}
	buf[4] = flags
	for i, f := range rxFreqs {
		off := 9 + i*4
		buf[off] = byte(f >> 24)
		buf[off+1] = byte(f >> 16)
		buf[off+2] = byte(f >> 8)
		buf[off+3] = byte(f)
	}
	buf[329] = byte(txFreq >> 24)
	buf[330] = byte(txFreq >> 16)
	buf[331] = byte(txFreq >> 8)
	buf[332] = byte(txFreq)
	buf[345] = txDrive
	return buf
}

func TestHandleHighPrioritySetsFrequenciesAndDrive(t *testing.T) {
	srv := newTestProtocol2Server(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}

	frame := buildHighPriorityFrame(false, false, []uint32{14_250_000, 7_100_000}, 14_250_000, 150)
	srv.handleHighPriority(frame, addr)

	if got := srv.state.RxFreqHz(0); got != 14_250_000 {
		t.Errorf("expected rx0 freq 14250000, got %d", got)
	}
	if got := srv.state.RxFreqHz(1); got != 7_100_000 {
		t.Errorf("expected rx1 freq 7100000, got %d", got)
	}
	if got := srv.state.TxFreqHz(); got != 14_250_000 {
		t.Errorf("expected tx freq 14250000, got %d", got)
	}
	if got := srv.state.TxDriveLevel(); got != 150 {
		t.Errorf("expected tx drive 150, got %d", got)
	}
}

func TestHandleHighPriorityRunTransitionStartsStreaming(t *testing.T) {
	srv := newTestProtocol2Server(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	srv.state.SetPeer2(addr)

	frame := buildHighPriorityFrame(true, false, nil, 0, 0)
	srv.handleHighPriority(frame, addr)

	if !srv.state.Running() {
		t.Error("expected running to become true")
	}
	srv.runMu.Lock()
	streaming := srv.streaming
	srv.runMu.Unlock()
	if !streaming {
		t.Error("expected streaming goroutines to have started")
	}

	stopFrame := buildHighPriorityFrame(false, false, nil, 0, 0)
	srv.handleHighPriority(stopFrame, addr)
	if srv.state.Running() {
		t.Error("expected running to become false")
	}
}

func TestBuildDDCIQPacketLayout(t *testing.T) {
	srv := newTestProtocol2Server(t)
	buf := srv.buildDDCIQPacket(0, 42)

	if len(buf) != ddcIQPacketSize {
		t.Fatalf("expected %d-byte DDC IQ packet, got %d", ddcIQPacketSize, len(buf))
	}
	seq := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	if seq != 42 {
		t.Errorf("expected seq=42, got %d", seq)
	}
	if buf[13] != 24 {
		t.Errorf("expected bits-per-sample=24 at offset 13, got %d", buf[13])
	}
	if buf[15] != samplesPerDDCPacket {
		t.Errorf("expected samples-per-frame=%d at offset 15, got %d", samplesPerDDCPacket, buf[15])
	}
}

func TestEchoTXFeedAndReadRoundTrip(t *testing.T) {
	state := NewRadioState(RadioConfig{HW: HardwareHermes, NumDDCs: 1, SampleRateHz: sampleRate48k})
	siggen := NewSignalGenerator(state, 1000, 0)
	echo := NewEchoBuffer()
	srv := NewProtocol2Server(state, siggen, echo, NewMetrics())
	state.SetTxFreqHz(14_250_000)
	state.SetPTT(true)

	srv.feedEchoTX([]complex128{complex(1, 0), complex(0, 1)})
	if echo.HasPlayback() {
		t.Error("expected no committed playback while still recording")
	}

	state.SetPTT(false)
	echo.CommitOnPTTRelease()
	if !echo.HasPlayback() {
		t.Error("expected committed playback after PTT release")
	}
}
