package main

import (
	"fmt"
	"net"
	"sync"
)

// HardwareKind identifies the emulated HPSDR board. Each kind carries a
// fixed wire board code and a maximum DDC count.
type HardwareKind int

const (
	HardwareAtlas      HardwareKind = 0
	HardwareHermes     HardwareKind = 1
	HardwareHermesII   HardwareKind = 2
	HardwareAngelia    HardwareKind = 3
	HardwareOrion      HardwareKind = 4
	HardwareOrionMKII  HardwareKind = 5
	HardwareHermesLite HardwareKind = 6
	HardwareSaturn     HardwareKind = 10
	HardwareSaturnMKII HardwareKind = 11
)

var hardwareBoardCode = map[HardwareKind]byte{
	HardwareAtlas:      0,
	HardwareHermes:     1,
	HardwareHermesII:   2,
	HardwareAngelia:    3,
	HardwareOrion:      4,
	HardwareOrionMKII:  5,
	HardwareHermesLite: 6,
	HardwareSaturn:     10,
	HardwareSaturnMKII: 11,
}

var hardwareMaxDDCs = map[HardwareKind]int{
	HardwareAtlas:      2,
	HardwareHermes:     4,
	HardwareHermesII:   4,
	HardwareAngelia:    5,
	HardwareOrion:      5,
	HardwareOrionMKII:  8,
	HardwareHermesLite: 2,
	HardwareSaturn:     10,
	HardwareSaturnMKII: 10,
}

// hardwareProtocol1 marks the boards that speak the legacy Metis
// Protocol 1 wire format. Angelia, Orion, OrionMKII, Saturn, and
// SaturnMKII are Protocol-2-only ANAN-era boards in real HPSDR
// deployments and never shipped a Protocol 1 firmware.
var hardwareProtocol1 = map[HardwareKind]bool{
	HardwareAtlas:      true,
	HardwareHermes:     true,
	HardwareHermesII:   true,
	HardwareHermesLite: true,
}

var hardwareNames = map[string]HardwareKind{
	"atlas":      HardwareAtlas,
	"hermes":     HardwareHermes,
	"hermes2":    HardwareHermesII,
	"hermesii":   HardwareHermesII,
	"angelia":    HardwareAngelia,
	"orion":      HardwareOrion,
	"orionmk2":   HardwareOrionMKII,
	"orionmkii":  HardwareOrionMKII,
	"hermeslite": HardwareHermesLite,
	"saturn":     HardwareSaturn,
	"saturnmk2":  HardwareSaturnMKII,
	"saturnmkii": HardwareSaturnMKII,
}

// ParseHardwareKind resolves a --radio flag value (case-insensitive) to a
// HardwareKind. Returns a ConfigError-flavored error on an unknown name.
func ParseHardwareKind(name string) (HardwareKind, error) {
	if hw, ok := hardwareNames[lower(name)]; ok {
		return hw, nil
	}
	return 0, fmt.Errorf("config: unknown radio kind %q", name)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// BoardCode returns the numeric board identifier placed on the wire.
func (h HardwareKind) BoardCode() byte {
	return hardwareBoardCode[h]
}

// MaxDDCs returns the maximum number of DDCs this hardware kind supports.
func (h HardwareKind) MaxDDCs() int {
	return hardwareMaxDDCs[h]
}

// SupportsProtocol1 reports whether this board ever speaks the legacy
// Metis Protocol 1 wire format, as opposed to being Protocol-2-only.
func (h HardwareKind) SupportsProtocol1() bool {
	return hardwareProtocol1[h]
}

const (
	signalModeTone      = "tone"
	signalModeMultitone = "multitone"

	defaultToneHz     = 1000.0
	defaultNoiseLevel = 3e-6
)

// RadioConfig is immutable for the lifetime of the process. It is built
// once at startup from CLI flags and/or a YAML config file.
type RadioConfig struct {
	HW           HardwareKind
	MAC          net.HardwareAddr
	ToneHz       float64
	NoiseLevel   float64
	EchoEnabled  bool
	SignalMode   string
	MetricsAddr  string
	Verbose      bool
	SampleRateHz int
	NumDDCs      int
}

const (
	sampleRate48k  = 48000
	sampleRate96k  = 96000
	sampleRate192k = 192000
	sampleRate384k = 384000
)

func validSampleRate(hz int) bool {
	switch hz {
	case sampleRate48k, sampleRate96k, sampleRate192k, sampleRate384k:
		return true
	}
	return false
}

// RadioState is the single shared mutable entity in the system. All
// fields are guarded by mu; readers (producers) and writers (command
// handlers) always go through the accessor methods so that each field is
// observed atomically, per the concurrency discipline of §5.
type RadioState struct {
	mu sync.RWMutex

	cfg RadioConfig

	sampleRateHz int
	nActiveDDC   int
	txFreqHz     uint32
	rxFreqHz     []uint32
	running      bool
	ptt          bool
	txDriveLevel uint8
	seqOut       uint32
	ctrlRotorIdx int

	peer1 *net.UDPAddr
	peer2 *net.UDPAddr

	mercuryVersions [4]byte
	pennyVersion    byte
	metisVersion    byte
	firmwareVersion byte
}

// telemetryRotation is the fixed order of Protocol 1 control-response
// addresses (§4.E "Control response rotation").
var telemetryRotation = [4]byte{0x00, 0x08, 0x10, 0x18}

// NewRadioState builds the shared state for a fresh process run.
func NewRadioState(cfg RadioConfig) *RadioState {
	nddc := cfg.NumDDCs
	if nddc < 1 {
		nddc = 1
	}
	if max := cfg.HW.MaxDDCs(); nddc > max {
		nddc = max
	}
	rxFreq := make([]uint32, cfg.HW.MaxDDCs())
	for i := range rxFreq {
		rxFreq[i] = 7_100_000
	}
	sr := cfg.SampleRateHz
	if !validSampleRate(sr) {
		sr = sampleRate48k
	}
	return &RadioState{
		cfg:             cfg,
		sampleRateHz:    sr,
		nActiveDDC:      nddc,
		txFreqHz:        7_100_000,
		rxFreqHz:        rxFreq,
		firmwareVersion: 40,
		mercuryVersions: [4]byte{36, 36, 36, 36},
		pennyVersion:    18,
		metisVersion:    3,
	}
}

func (s *RadioState) Config() RadioConfig {
	return s.cfg
}

func (s *RadioState) SampleRateHz() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampleRateHz
}

func (s *RadioState) SetSampleRateHz(hz int) {
	if !validSampleRate(hz) {
		hz = sampleRate48k
	}
	s.mu.Lock()
	s.sampleRateHz = hz
	s.mu.Unlock()
}

func (s *RadioState) NActiveDDC() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nActiveDDC
}

// SetNActiveDDC clamps out-of-range values into [1, max_ddcs], logging an
// InternalInvariantViolation per §7 rather than rejecting the command.
func (s *RadioState) SetNActiveDDC(n int) {
	max := s.cfg.HW.MaxDDCs()
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	s.mu.Lock()
	s.nActiveDDC = n
	s.mu.Unlock()
}

func (s *RadioState) TxFreqHz() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txFreqHz
}

func (s *RadioState) SetTxFreqHz(hz uint32) {
	s.mu.Lock()
	s.txFreqHz = hz
	s.mu.Unlock()
}

func (s *RadioState) RxFreqHz(ddc int) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ddc < 0 || ddc >= len(s.rxFreqHz) {
		return 0
	}
	return s.rxFreqHz[ddc]
}

func (s *RadioState) SetRxFreqHz(ddc int, hz uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ddc < 0 || ddc >= len(s.rxFreqHz) {
		return
	}
	s.rxFreqHz[ddc] = hz
}

func (s *RadioState) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetRunning transitions running state. On the rising edge seq_out resets
// to 0 per §3's invariant ("once running becomes true, seq_out starts at
// 0 for the next stream start").
func (s *RadioState) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running && !s.running {
		s.seqOut = 0
	}
	s.running = running
}

func (s *RadioState) PTT() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ptt
}

// SetPTT sets the PTT flag and reports whether this call was a falling
// edge (true -> false transition), so callers can commit the echo
// recording before the next producer read, per §5's ordering rule.
func (s *RadioState) SetPTT(ptt bool) (fallingEdge bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fallingEdge = s.ptt && !ptt
	s.ptt = ptt
	return fallingEdge
}

func (s *RadioState) TxDriveLevel() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txDriveLevel
}

func (s *RadioState) SetTxDriveLevel(v uint8) {
	s.mu.Lock()
	s.txDriveLevel = v
	s.mu.Unlock()
}

// NextSeq returns the current sequence number and advances it, wrapping
// modulo 2^32 (implicit in uint32 overflow).
func (s *RadioState) NextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seqOut
	s.seqOut++
	return v
}

func (s *RadioState) SeqOut() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqOut
}

// NextTelemetryAddr advances the control-response rotor and returns the
// address to emit next, per §4.E's {0x00,0x08,0x10,0x18} rotation.
func (s *RadioState) NextTelemetryAddr() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := telemetryRotation[s.ctrlRotorIdx%len(telemetryRotation)]
	s.ctrlRotorIdx++
	return addr
}

func (s *RadioState) Peer1() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer1
}

func (s *RadioState) SetPeer1(addr *net.UDPAddr) {
	s.mu.Lock()
	s.peer1 = addr
	s.mu.Unlock()
}

func (s *RadioState) Peer2() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer2
}

func (s *RadioState) SetPeer2(addr *net.UDPAddr) {
	s.mu.Lock()
	s.peer2 = addr
	s.mu.Unlock()
}

func (s *RadioState) VersionBytes() (mercury [4]byte, penny, metis, firmware byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mercuryVersions, s.pennyVersion, s.metisVersion, s.firmwareVersion
}
