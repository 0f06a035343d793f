package voip

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// BindSharedPort binds a UDP socket on the same numeric port as the TCP
// control listener. Per §9 Open Question 7, this requires SO_REUSEADDR (and
// SO_REUSEPORT where the platform supports it) since the TCP listener
// already holds that port number; ListenConfig.Control sets both
// explicitly before bind(2) runs.
func BindSharedPort(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					setErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
					return
				}
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return setErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("voip: bind shared udp port: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("voip: unexpected packet conn type %T", pc)
	}
	return conn, nil
}
