// Package socket opens the shared UDP socket of the single port ICE mode.
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"syscall"
)

const (
	listenAttempts = 42
	udpBufferSize  = 4 * 1024 * 1024
)

var ErrNoPorts = errors.New("no available ports")

// ListenUDP opens a UDP socket on the port.
func ListenUDP(port int) (*net.UDPConn, error) {
	l, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	_ = l.SetReadBuffer(udpBufferSize)
	_ = l.SetWriteBuffer(udpBufferSize)
	return l, nil
}

// ListenUDPRoll opens a UDP socket on the port or on one of the next
// ports when it is busy.
func ListenUDPRoll(port int) (*net.UDPConn, error) {
	l, err := ListenUDP(port)
	if err == nil || !IsPortBusyError(err) {
		return l, err
	}
	for i := port + 1; i < port+listenAttempts; i++ {
		if l, err = ListenUDP(i); err == nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w after %v", ErrNoPorts, port)
}

// IsPortBusyError tests if the given error is one of
// the port busy errors.
func IsPortBusyError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	var sysErr *os.SyscallError
	if !errors.As(err, &sysErr) {
		return false
	}
	if errno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	return runtime.GOOS == "windows" && errno == WSAEADDRINUSE
}
