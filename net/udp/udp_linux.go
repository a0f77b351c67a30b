package udp

import (
	"unsafe"

	"net"
	"time"

	"golang.org/x/sys/unix"
)

func TimestampLen() int {
	return unix.CmsgSpace(int(unsafe.Sizeof(unix.Timespec{})))
}

// EnableRxTimestamps makes the kernel attach a CLOCK_REALTIME receive
// timestamp to every datagram read from conn.
func EnableRxTimestamps(conn *net.UDPConn) error {
	sconn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var res struct {
		err error
	}
	err = sconn.Control(func(fd uintptr) {
		res.err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
	if err != nil {
		return err
	}
	return res.err
}

func TimestampFromOOBData(oob []byte) (time.Time, error) {
	for unix.CmsgSpace(0) <= len(oob) {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
		if h.Len < unix.SizeofCmsghdr || h.Len > uint64(len(oob)) {
			return time.Time{}, errUnexpectedData
		}
		if h.Level == unix.SOL_SOCKET && h.Type == unix.SCM_TIMESTAMPNS {
			if h.Len != uint64(unix.CmsgLen(int(unsafe.Sizeof(unix.Timespec{})))) {
				return time.Time{}, errUnexpectedData
			}
			ts := (*unix.Timespec)(unsafe.Pointer(&oob[unix.CmsgSpace(0)]))
			return time.Unix(ts.Unix()), nil
		}
		oob = oob[unix.CmsgSpace(int(h.Len))-unix.CmsgSpace(0):]
	}
	return time.Time{}, errTimestampNotFound
}

// SetDSCP sets the Differentiated Services Codepoint of outgoing datagrams.
func SetDSCP(conn *net.UDPConn, dscp uint8) error {
	if dscp > 63 {
		panic("unexpected DSCP value")
	}
	sconn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var res struct {
		err error
	}
	err = sconn.Control(func(fd uintptr) {
		if isIPv4(conn) {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(dscp<<2))
		} else {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int(dscp<<2))
		}
	})
	if err != nil {
		return err
	}
	return res.err
}
