package pcmfile_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicememo/pkg/audio"
	"github.com/MrWong99/voicememo/pkg/audio/pcmfile"
)

func TestWriter_OneSecondOfSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	w, err := pcmfile.Create(path, audio.TranscriptionFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 100 buffers of 10 ms.
	chunk := make([]float32, 160)
	for range 100 {
		if err := w.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if w.Frames() != 16000 {
		t.Errorf("Frames() = %d, want 16000", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Errorf("format = %dHz %dch %dbit, want 16000Hz 1ch 16bit", info.SampleRate, info.Channels, info.BitDepth)
	}
	if info.PCMBytes != 32000 {
		t.Errorf("PCMBytes = %d, want 32000", info.PCMBytes)
	}
	if info.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", info.Duration)
	}
	if info.Size <= info.PCMBytes {
		t.Errorf("Size = %d, expected header on top of %d PCM bytes", info.Size, info.PCMBytes)
	}
}

func TestCreate_RemovesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memo.wav")
	if err := os.WriteFile(path, make([]byte, 100000), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := pcmfile.Create(path, audio.TranscriptionFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteInt16([]int16{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteInt16: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.PCMBytes != 8 {
		t.Errorf("PCMBytes = %d, want 8 (old content must be gone)", info.PCMBytes)
	}
}

func TestWriter_EmptyFileIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := pcmfile.Create(path, audio.TranscriptionFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := pcmfile.Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.PCMBytes != 0 || info.Duration != 0 {
		t.Errorf("expected empty recording, got %d bytes %v", info.PCMBytes, info.Duration)
	}
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w, err := pcmfile.Create(filepath.Join(t.TempDir(), "x.wav"), audio.TranscriptionFormat)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := w.Write([]float32{0.1}); !errors.Is(err, pcmfile.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestCreate_InvalidFormat(t *testing.T) {
	if _, err := pcmfile.Create(filepath.Join(t.TempDir(), "x.wav"), audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestProbe_Missing(t *testing.T) {
	_, err := pcmfile.Probe(filepath.Join(t.TempDir(), "nope.wav"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Probe missing = %v, want fs.ErrNotExist", err)
	}
}

func TestProbe_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := pcmfile.Probe(path); !errors.Is(err, pcmfile.ErrInvalidFile) {
		t.Errorf("Probe garbage = %v, want ErrInvalidFile", err)
	}
}
