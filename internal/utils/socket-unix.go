//go:build !windows

package utils

import (
	"syscall"
)

const socketBufferSize = 1024 * 1024

// larger kernel buffers keep many parallel range streams from stalling
func setSocketOptions(fd uintptr) {
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufferSize)
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufferSize)
}
