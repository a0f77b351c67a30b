package udp

import (
	"errors"
	"net"
)

var (
	errTimestampNotFound    = errors.New("failed to read timestamp from out of band data")
	errUnexpectedData       = errors.New("failed to read out of band data")
	errUnsupportedOperation = errors.New("unsupported operation")
)

// Timestamp handling based on studying code from the following projects:
// - https://github.com/bsdphk/Ntimed, file udp.c
// - https://github.com/golang/go, package "golang.org/x/sys/unix"
// - https://github.com/facebook/time, package "github.com/facebook/time/ntp/protocol/ntp"

func isIPv4(conn *net.UDPConn) bool {
	a, ok := conn.LocalAddr().(*net.UDPAddr)
	return ok && a.IP.To4() != nil
}
