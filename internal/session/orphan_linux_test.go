//go:build linux

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"shellgate/internal/domain"
)

// gone reports whether pid no longer runs. Zombies waiting for init count as gone.
func gone(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	// pid (comm) state ...
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] == 'Z'
	}
	return false
}

func TestExecute_TimeoutLeavesNoOrphans(t *testing.T) {
	s := newTestSession(t, Options{Timeout: 2000 * time.Millisecond})
	pidFile := filepath.Join(s.Cwd(), "bg.pid")

	_, err := s.Execute(context.Background(), domain.CommandRequest{RawText: "sleep 60 & echo $! > bg.pid; sleep 60"})
	expectKind(t, err, domain.FailureTimeout)

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("background pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !gone(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("background process %d survived the timeout", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
