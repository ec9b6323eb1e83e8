package utils

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestStderrTail(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.WriteString("line one\nline two\nCUDA unavailable\n")

	if got := cmd.StderrTail(0); !strings.HasPrefix(got, "line one") || !strings.HasSuffix(got, "CUDA unavailable") {
		t.Errorf("Unexpected full tail %q", got)
	}
	if got := cmd.StderrTail(17); got != "CUDA unavailable" {
		t.Errorf("Expected only the last bytes, got %q", got)
	}

	var nilCmd *SafeCommand
	if got := nilCmd.StderrTail(10); got != "" {
		t.Errorf("Expected empty tail for nil command, got %q", got)
	}
}

func TestGenerateImageID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "image_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake png content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateImageID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateImageID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateImageID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := GenerateImageID("/nonexistent/file.png"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestNewULID(t *testing.T) {
	now := time.Now()
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID failed: %v", err)
	}
	b, _ := NewULID(now.Add(time.Millisecond))
	if len(a) != 26 || a == b {
		t.Errorf("Unexpected ids %q %q", a, b)
	}
	if a >= b {
		t.Errorf("Later id should sort after earlier: %q >= %q", a, b)
	}
}
