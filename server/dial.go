package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
)

// DialPort opens the device port a manifest names: "tcp:host:port" connects
// to a simulated or network-attached device, anything else is opened as a
// serial device file. Serial line settings (baud, raw mode) are assumed to be
// configured on the port already.
func DialPort(ctx context.Context, port string) (net.Conn, error) {
	if port == "" {
		return nil, fmt.Errorf("server: no device port configured")
	}
	if addr, ok := strings.CutPrefix(port, "tcp:"); ok {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("server: dial %s: %w", addr, err)
		}
		return conn, nil
	}
	f, err := os.OpenFile(port, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("server: open %s: %w", port, err)
	}
	return &serialConn{f}, nil
}

// serialConn adapts a device file to net.Conn. *os.File already carries the
// deadline support the transport needs; only the address accessors are
// missing.
type serialConn struct {
	*os.File
}

type serialAddr string

func (a serialAddr) Network() string { return "serial" }
func (a serialAddr) String() string  { return string(a) }

func (c *serialConn) LocalAddr() net.Addr  { return serialAddr("host") }
func (c *serialConn) RemoteAddr() net.Addr { return serialAddr(c.Name()) }
