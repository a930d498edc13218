package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestAcquireLockWritesPIDFile(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock file content = %q, want %q", content, want)
	}
}

func TestAcquireLockCreatesMissingStateDir(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "foxbot", "state")

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(stateDir); err != nil {
		t.Errorf("state directory was not created: %v", err)
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	stateDir := t.TempDir()

	held, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	defer held.Release()

	second, err := AcquireLock(stateDir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock on the same state directory succeeded")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if lockErr.Unwrap() == nil {
		t.Error("LockError does not wrap the flock cause")
	}
	for _, want := range []string{
		"Another FoxBot instance is already running",
		filepath.Join(stateDir, LockFileName),
		fmt.Sprintf("PID %d (running)", os.Getpid()),
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("LockError message missing %q:\n%s", want, err)
		}
	}
}

func TestReleaseRemovesLockAndAllowsReacquire(t *testing.T) {
	stateDir := t.TempDir()
	lockPath := filepath.Join(stateDir, LockFileName)

	lock, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release error: %v", err)
	}

	again, err := AcquireLock(stateDir)
	if err != nil {
		t.Fatalf("AcquireLock after Release error: %v", err)
	}
	again.Release()
}

func TestStaleLockInfoReporting(t *testing.T) {
	// A lock file left behind without a live flock holder. The next
	// acquisition succeeds, but readExistingLockInfo must classify its
	// contents correctly when reporting on a held lock.
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "running pid", content: fmt.Sprintf("pid=%d\n", os.Getpid()), want: "(running)"},
		{name: "dead pid", content: "pid=999999\n", want: "stale lock"},
		{name: "empty file", content: "", want: "no process information"},
		{name: "unparseable", content: "locked by foxbot", want: "process information: locked by foxbot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stateDir := t.TempDir()
			lockPath := filepath.Join(stateDir, LockFileName)
			if err := os.WriteFile(lockPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("writing lock file: %v", err)
			}
			if tt.name == "dead pid" && isProcessRunning(999999) {
				t.Skip("PID 999999 is alive on this host")
			}
			if got := readExistingLockInfo(lockPath); !strings.Contains(got, tt.want) {
				t.Errorf("readExistingLockInfo = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{content: "pid=4321\n", want: 4321},
		{content: "host=a\npid=77\n", want: 77},
		{content: "pid=\n", want: 0},
		{content: "pid=x9", want: 0},
		{content: "", want: 0},
	}
	for _, tt := range tests {
		if got := extractPIDFromLockInfo(tt.content); got != tt.want {
			t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process not reported as running")
	}

	// Signal 0 on a reaped child errors, so the PID reads as dead.
	pid, err := syscall.ForkExec("/bin/true", []string{"true"}, &syscall.ProcAttr{})
	if err != nil {
		t.Skipf("cannot fork test child: %v", err)
	}
	if _, err := syscall.Wait4(pid, nil, 0, nil); err != nil {
		t.Fatalf("Wait4 error: %v", err)
	}
	if isProcessRunning(pid) {
		t.Errorf("exited child PID %d reported as running", pid)
	}
}
