package main

import (
	"math"
	"testing"
)

func TestEchoBufferRecordCommitRead(t *testing.T) {
	e := NewEchoBuffer()

	if e.HasPlayback() {
		t.Fatal("expected no playback before any recording")
	}

	e.StartRecording(14_200_000)
	e.Record([]complex128{complex(1, 0), complex(0, 1)}, 14_200_000)
	e.Record([]complex128{complex(-1, 0)}, 14_200_000)
	e.CommitOnPTTRelease()

	if !e.HasPlayback() {
		t.Fatal("expected playback after commit")
	}

	out := e.Read(3, 14_200_000, sampleRate48k)
	if len(out) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(out))
	}

	// Same tx/rx frequency means no shift, so only attenuation applies.
	want := complex(1*echoAttenuation, 0)
	if math.Abs(real(out[0])-real(want)) > 1e-9 || math.Abs(imag(out[0])-imag(want)) > 1e-9 {
		t.Errorf("expected attenuated first sample %v, got %v", want, out[0])
	}
}

func TestEchoBufferCursorWraps(t *testing.T) {
	e := NewEchoBuffer()
	e.StartRecording(7_100_000)
	e.Record([]complex128{complex(1, 0), complex(2, 0)}, 7_100_000)
	e.CommitOnPTTRelease()

	out := e.Read(5, 7_100_000, sampleRate48k)
	if len(out) != 5 {
		t.Fatalf("expected 5 samples from a 2-sample buffer via wraparound, got %d", len(out))
	}
}

func TestEchoBufferResetsCursorOnNewCommit(t *testing.T) {
	e := NewEchoBuffer()

	e.StartRecording(1_000_000)
	e.Record([]complex128{complex(1, 0), complex(1, 0), complex(1, 0)}, 1_000_000)
	e.CommitOnPTTRelease()
	e.Read(2, 1_000_000, sampleRate48k) // advance cursor partway through

	e.StartRecording(2_000_000)
	e.Record([]complex128{complex(9, 0)}, 2_000_000)
	e.CommitOnPTTRelease()

	out := e.Read(1, 2_000_000, sampleRate48k)
	want := 9 * echoAttenuation
	if math.Abs(real(out[0])-want) > 1e-9 {
		t.Errorf("expected fresh commit to reset cursor to the new buffer's first sample, got %v want %v", out[0], want)
	}
}

func TestEchoBufferEmptyRecordingDoesNotCommit(t *testing.T) {
	e := NewEchoBuffer()
	e.StartRecording(1_000_000)
	e.CommitOnPTTRelease() // no samples recorded

	if e.HasPlayback() {
		t.Error("expected an empty recording to leave playback unset")
	}
}
