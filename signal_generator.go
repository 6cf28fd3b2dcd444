package main

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

const twoPi = 2 * math.Pi

// SignalGenerator produces a phase-continuous test tone plus Gaussian
// noise per DDC. One phase accumulator per DDC is kept so that successive
// buffer-sized calls to Generate never discontinue the waveform at a
// buffer boundary (§4.B rationale).
type SignalGenerator struct {
	mu    sync.Mutex
	state *RadioState

	toneHz     float64
	noiseLevel float64
	phase      []float64
	noise      distuv.Normal
}

// NewSignalGenerator builds a generator with one phase accumulator per
// possible DDC on the given hardware.
func NewSignalGenerator(state *RadioState, toneHz, noiseLevel float64) *SignalGenerator {
	return &SignalGenerator{
		state:      state,
		toneHz:     toneHz,
		noiseLevel: noiseLevel,
		phase:      make([]float64, state.cfg.HW.MaxDDCs()),
		noise:      distuv.Normal{Mu: 0, Sigma: noiseLevel},
	}
}

// Generate produces n complex samples for the given DDC index, advancing
// that DDC's persistent phase accumulator.
func (g *SignalGenerator) Generate(n, ddc int) []complex128 {
	sr := float64(g.state.SampleRateHz())
	step := twoPi * g.toneHz / sr

	out := make([]complex128, n)
	g.mu.Lock()
	phase := g.phase[ddc]
	for k := 0; k < n; k++ {
		i := math.Cos(phase) + g.noise.Rand()
		q := math.Sin(phase) + g.noise.Rand()
		out[k] = complex(i, q)
		phase += step
		if phase >= twoPi {
			phase -= twoPi
		}
	}
	g.phase[ddc] = phase
	g.mu.Unlock()
	return out
}

// MultiToneGenerator synthesizes a carrier plus harmonics, each with its
// own persistent phase accumulator, per SPEC_FULL §4.G. It supplements
// the original Python generate_multi_tone feature dropped from the
// distilled spec.
type MultiToneGenerator struct {
	mu    sync.Mutex
	state *RadioState

	toneHz     float64
	noiseLevel float64
	multiples  []float64   // harmonic multiples of toneHz, e.g. {1, 2, 3}
	phase      [][]float64 // phase[ddc][harmonic]
	noise      distuv.Normal
}

func NewMultiToneGenerator(state *RadioState, toneHz, noiseLevel float64) *MultiToneGenerator {
	multiples := []float64{1, 2, 3}
	phase := make([][]float64, state.cfg.HW.MaxDDCs())
	for i := range phase {
		phase[i] = make([]float64, len(multiples))
	}
	return &MultiToneGenerator{
		state:      state,
		toneHz:     toneHz,
		noiseLevel: noiseLevel,
		multiples:  multiples,
		phase:      phase,
		noise:      distuv.Normal{Mu: 0, Sigma: noiseLevel},
	}
}

func (g *MultiToneGenerator) Generate(n, ddc int) []complex128 {
	sr := float64(g.state.SampleRateHz())
	amp := 1.0 / float64(len(g.multiples))

	out := make([]complex128, n)
	g.mu.Lock()
	phases := g.phase[ddc]
	steps := make([]float64, len(g.multiples))
	for h, m := range g.multiples {
		steps[h] = twoPi * (g.toneHz * m) / sr
	}
	for k := 0; k < n; k++ {
		var i, q float64
		for h := range g.multiples {
			i += amp * math.Cos(phases[h])
			q += amp * math.Sin(phases[h])
			phases[h] += steps[h]
			if phases[h] >= twoPi {
				phases[h] -= twoPi
			}
		}
		out[k] = complex(i+g.noise.Rand(), q+g.noise.Rand())
	}
	g.mu.Unlock()
	return out
}

// IQSource is the interface both generators satisfy, letting a protocol
// server pick its synthetic source without caring which concrete
// generator is configured. EchoBuffer is read through its own Read
// method instead, since it needs the RX frequency and sample rate at
// call time rather than just a DDC index.
type IQSource interface {
	Generate(n, ddc int) []complex128
}
