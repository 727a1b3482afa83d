package config

import (
	"os"
	"testing"
)

func TestConfLoadReadsEnvironment(t *testing.T) {
	os.Setenv("MTP_IO_TIMEOUT_MS", "5000")
	os.Setenv("MTP_MAX_CHUNK_BYTES", "1048576")
	os.Setenv("MTP_STRICT", "1")
	defer func() {
		os.Unsetenv("MTP_IO_TIMEOUT_MS")
		os.Unsetenv("MTP_MAX_CHUNK_BYTES")
		os.Unsetenv("MTP_STRICT")
	}()

	if err := ConfLoad(); err != nil {
		t.Fatal(err)
	}

	if Conf.IOTimeoutMs == nil || *Conf.IOTimeoutMs != 5000 {
		t.Fatalf("IOTimeoutMs = %v, want 5000", Conf.IOTimeoutMs)
	}
	if Conf.MaxChunkBytes == nil || *Conf.MaxChunkBytes != 1048576 {
		t.Fatalf("MaxChunkBytes = %v, want 1048576", Conf.MaxChunkBytes)
	}
	if !Conf.Strict {
		t.Fatal("expected Strict to be true")
	}
}

func TestSafeFillsOnlyAbsentOverrides(t *testing.T) {
	os.Setenv("MTP_SAFE", "1")
	os.Setenv("MTP_IO_TIMEOUT_MS", "999")
	defer func() {
		os.Unsetenv("MTP_SAFE")
		os.Unsetenv("MTP_IO_TIMEOUT_MS")
	}()

	if err := ConfLoad(); err != nil {
		t.Fatal(err)
	}

	o := Conf.ToOverrides()
	if o.IOTimeoutMs == nil || *o.IOTimeoutMs != 999 {
		t.Fatalf("explicit override should survive MTP_SAFE, got %v", o.IOTimeoutMs)
	}
	if o.MaxChunkBytes == nil || *o.MaxChunkBytes != safeChunkBytes {
		t.Fatalf("MTP_SAFE should fill MaxChunkBytes, got %v", o.MaxChunkBytes)
	}
}
