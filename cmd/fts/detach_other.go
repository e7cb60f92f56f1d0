//go:build !unix

package main

import "os/exec"

func detachAttr(cmd *exec.Cmd) {}
