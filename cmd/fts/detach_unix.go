//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// detachAttr starts the child in a new session so a hangup of the calling
// terminal does not reach it.
func detachAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
