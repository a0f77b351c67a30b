//go:build !linux

package udp

import (
	"net"
	"time"
)

func TimestampLen() int {
	return 0
}

func EnableRxTimestamps(conn *net.UDPConn) error {
	return errUnsupportedOperation
}

func TimestampFromOOBData(oob []byte) (time.Time, error) {
	return time.Time{}, errTimestampNotFound
}

func SetDSCP(conn *net.UDPConn, dscp uint8) error {
	return errUnsupportedOperation
}
