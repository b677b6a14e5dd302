//go:build !windows

package main

import "golang.org/x/sys/unix"

// SIGTERM is the termination signal to trap alongside os.Interrupt.
const SIGTERM = unix.SIGTERM
