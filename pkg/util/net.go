package util

import (
	"fmt"
	"net"
)

// MustGetFreePort returns a TCP port that was free at call time. Tests use
// it to start conflict-free listeners. Panics when the OS has none to give.
func MustGetFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("resolving free port: %v", err))
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		panic(fmt.Sprintf("listening for free port: %v", err))
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
