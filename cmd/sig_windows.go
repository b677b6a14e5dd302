//go:build windows

package main

import "syscall"

// SIGTERM is the termination signal to trap alongside os.Interrupt.
const SIGTERM = syscall.SIGTERM
