package rpcserver

import (
	"log/slog"
	"syscall"
	"time"
)

// pidAlive reports whether pid still refers to a live process, via the
// signal-0 probe idiom used throughout this module (internal/agentregistry
// does the same check).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// terminateThenKill sends SIGTERM to pid, then schedules a SIGKILL
// after grace if the process hasn't exited by then. Used by both
// cancel_task and kill_agent, which signal a tracked PID directly
// rather than through internal/acp.Client.Terminate (neither handler
// holds a reference to the live acp.Client — only the PID survives
// into the task table / agent registry).
func terminateThenKill(pid int, grace time.Duration, log *slog.Logger) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(grace)
		if pidAlive(pid) {
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && log != nil {
				log.Warn("sigkill failed", "pid", pid, "error", err)
			}
		}
	}()
}
