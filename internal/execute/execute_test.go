package execute

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireSh(t)

	res := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 0"},
	})
	if res.Code != 0 || !res.Passed() {
		t.Fatalf("code = %d", res.Code)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunNonZeroIsNotAnError(t *testing.T) {
	requireSh(t)

	res := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "exit 3"},
	})
	if res.Code != 3 {
		t.Errorf("code = %d, want 3", res.Code)
	}
	if res.Passed() {
		t.Error("non-zero exit must not pass")
	}
}

func TestRunSpawnFailure(t *testing.T) {
	res := Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	if res.Code == 0 {
		t.Error("spawn failure must be non-zero")
	}
	if res.Stderr == "" {
		t.Error("spawn failure should surface in stderr")
	}
}

func TestRunTimeout(t *testing.T) {
	requireSh(t)

	start := time.Now()
	res := Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not kill the process")
	}
	if res.Code == 0 {
		t.Error("timed-out command must record failure")
	}
	if !strings.Contains(res.Stderr, "timeout") {
		t.Errorf("stderr should mention the timeout: %q", res.Stderr)
	}
}

func TestBlobFormat(t *testing.T) {
	res := Result{Code: 2, Stdout: "o", Stderr: "e"}
	blob := res.Blob()
	for _, want := range []string{"code: 2", "stdout:", "stderr:"} {
		if !strings.Contains(blob, want) {
			t.Errorf("blob missing %q: %q", want, blob)
		}
	}
}

func TestOSConditionalNames(t *testing.T) {
	grunt, npm := GruntName(), NpmName()
	if runtime.GOOS == "windows" {
		if grunt != "grunt.cmd" || npm != "npm.cmd" {
			t.Errorf("windows names = %q, %q", grunt, npm)
		}
	} else {
		if grunt != "grunt" || npm != "npm" {
			t.Errorf("names = %q, %q", grunt, npm)
		}
	}
}

func TestNodeHeapEnv(t *testing.T) {
	if NodeHeapEnv(0) != nil {
		t.Error("no override when unset")
	}
	env := NodeHeapEnv(8192)
	if len(env) != 1 || env[0] != "NODE_OPTIONS=--max-old-space-size=8192" {
		t.Errorf("env = %v", env)
	}
}
