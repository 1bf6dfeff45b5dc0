package utils

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestShowError(t *testing.T) {
	var out bytes.Buffer
	ShowError(&out, "Engine crashed", errors.New("broken pipe"), nil)

	got := out.String()
	if !strings.Contains(got, "ROLLCALL ERROR: Engine crashed") {
		t.Errorf("Expected context line, got %q", got)
	}
	if !strings.Contains(got, "DETAILS: broken pipe") {
		t.Errorf("Expected details line, got %q", got)
	}
	if strings.Contains(got, "ENGINE LOGS") {
		t.Error("Did not expect an engine log section without a command")
	}
}

func TestShowError_DumpsLogs(t *testing.T) {
	// 1. Setup a command whose stderr already holds a traceback
	cmd := NewSafeCommand(context.Background(), "true")
	cmd.Stderr.Write([]byte("ModuleNotFoundError: No module named 'dlib'"))

	// 2. Render
	var out bytes.Buffer
	ShowError(&out, "Engine startup failed", nil, cmd)

	// 3. Verify
	if !strings.Contains(out.String(), "ENGINE LOGS:\nModuleNotFoundError") {
		t.Errorf("Expected engine logs to be dumped, got %q", out.String())
	}
}

func TestSafeCommand_CapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := strings.TrimSpace(cmd.Logs()); got != "boom" {
		t.Errorf("Expected captured stderr 'boom', got %q", got)
	}
}
