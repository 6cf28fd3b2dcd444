package main

import (
	"math/cmplx"
	"sync"
)

const echoAttenuation = 1e-4 // ~80 dB, per spec.md and the Python original

// freqPair keys the per-(tx_freq, rx_freq) phase accumulator used by
// EchoBuffer.read, per §4.C/§9's explicit pair-keying requirement. This
// diverges from both original_source implementations, which key by
// tx_freq alone — see DESIGN.md.
type freqPair struct {
	tx uint32
	rx uint32
}

// EchoBuffer implements the record/commit/read state machine of §4.C:
// Idle -> Recording (PTT rising edge) -> commit on PTT falling edge ->
// Idle with a committed playback slot. read() is driven by whichever
// protocol server consumes DDC 0 while in echo mode.
type EchoBuffer struct {
	mu sync.Mutex

	recording   bool
	scratch     []complex128
	scratchFreq uint32

	playback     []complex128
	playbackFreq uint32
	cursor       int

	phaseAccum map[freqPair]float64
}

func NewEchoBuffer() *EchoBuffer {
	return &EchoBuffer{
		phaseAccum: make(map[freqPair]float64),
	}
}

// StartRecording enters the Recording state on a PTT rising edge.
func (e *EchoBuffer) StartRecording(txFreq uint32) {
	e.mu.Lock()
	e.recording = true
	e.scratch = e.scratch[:0]
	e.scratchFreq = txFreq
	e.mu.Unlock()
}

// Record appends samples to the scratch buffer while PTT is asserted.
func (e *EchoBuffer) Record(samples []complex128, txFreq uint32) {
	e.mu.Lock()
	if e.recording {
		e.scratch = append(e.scratch, samples...)
		e.scratchFreq = txFreq
	}
	e.mu.Unlock()
}

// CommitOnPTTRelease swaps the scratch buffer into the playback slot on
// a PTT falling edge and resets the read cursor. The spec requires this
// to happen before the next producer read, which callers satisfy by
// invoking it synchronously inside the command handler that detects the
// falling edge (the ordering guarantee of §5).
func (e *EchoBuffer) CommitOnPTTRelease() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recording = false
	if len(e.scratch) == 0 {
		return
	}
	e.playback = e.scratch
	e.playbackFreq = e.scratchFreq
	e.scratch = nil
	e.cursor = 0
}

// Read returns n complex samples from the committed playback slot,
// frequency-shifted by (tx_freq - rx_freq) and attenuated by ~80 dB. If
// no playback slot has been committed, returns n zero samples.
func (e *EchoBuffer) Read(n int, rxFreq uint32, sampleRateHz int) []complex128 {
	out := make([]complex128, n)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.playback) == 0 {
		return out
	}

	key := freqPair{tx: e.playbackFreq, rx: rxFreq}
	phase := e.phaseAccum[key]
	deltaF := float64(int64(e.playbackFreq) - int64(rxFreq))
	step := twoPi * deltaF / float64(sampleRateHz)

	for k := 0; k < n; k++ {
		s := e.playback[e.cursor]
		shift := cmplx.Exp(complex(0, phase))
		out[k] = s * shift * complex(echoAttenuation, 0)

		phase += step
		if phase >= twoPi {
			phase -= twoPi
		} else if phase < 0 {
			phase += twoPi
		}

		e.cursor++
		if e.cursor >= len(e.playback) {
			e.cursor = 0
		}
	}
	e.phaseAccum[key] = phase
	return out
}

// HasPlayback reports whether a committed recording exists, which
// protocol servers use to decide whether DDC 0 should be sourced from
// the echo buffer instead of the SignalGenerator.
func (e *EchoBuffer) HasPlayback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.playback) > 0
}
