package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// SOCKS5 (RFC 1928) constants. Only no-auth CONNECT is served.
const (
	socksVersion5 = 0x05

	socksAuthNone    = 0x00
	socksAuthNoMatch = 0xFF

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSuccess          = 0x00
	socksRepGeneralFailure   = 0x01
	socksRepNotAllowed       = 0x02
	socksRepHostUnreachable  = 0x04
	socksRepConnRefused      = 0x05
	socksRepCmdNotSupported  = 0x07
	socksRepAddrNotSupported = 0x08

	socksHandshakeTimeout = 30 * time.Second
)

// DialFunc dials a target address through the tunnel.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// socksServer serves SOCKS5 on a listener and dials through dial.
type socksServer struct {
	connSet
	dial     DialFunc
	counters *Counters
}

func newSocksServer(dial DialFunc, counters *Counters) *socksServer {
	return &socksServer{dial: dial, counters: counters}
}

// serve accepts until ln is closed.
func (s *socksServer) serve(ctx context.Context, ln net.Listener) {
	s.connSet.serve(ln, func(conn net.Conn) {
		s.handleConn(ctx, conn)
	})
}

func (s *socksServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(socksHandshakeTimeout))

	if err := socksNegotiate(conn); err != nil {
		slog.Debug("SOCKS negotiation failed", "error", err)
		return
	}
	cmd, target, err := socksReadRequest(conn)
	if err != nil {
		slog.Debug("SOCKS request rejected", "error", err)
		return
	}
	if cmd != socksCmdConnect {
		socksSendReply(conn, socksRepCmdNotSupported)
		return
	}

	upstream, err := s.dial(ctx, "tcp", target)
	if err != nil {
		slog.Debug("SOCKS dial failed", "target", target, "error", err)
		socksSendReply(conn, socksReplyFor(err))
		return
	}
	defer upstream.Close()

	conn.SetDeadline(time.Time{})
	if err := socksSendReply(conn, socksRepSuccess); err != nil {
		return
	}

	pipe(&countingConn{Conn: conn, counters: s.counters}, upstream)
}

func socksNegotiate(conn net.Conn) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if buf[0] != socksVersion5 {
		return fmt.Errorf("unsupported SOCKS version %d", buf[0])
	}
	methods := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	for _, m := range methods {
		if m == socksAuthNone {
			_, err := conn.Write([]byte{socksVersion5, socksAuthNone})
			return err
		}
	}
	conn.Write([]byte{socksVersion5, socksAuthNoMatch})
	return errors.New("client offered no acceptable auth method")
}

func socksReadRequest(conn net.Conn) (byte, string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, "", err
	}
	if buf[0] != socksVersion5 {
		return 0, "", fmt.Errorf("unsupported SOCKS version %d", buf[0])
	}
	cmd, atyp := buf[1], buf[3]

	var host string
	switch atyp {
	case socksAtypIPv4, socksAtypIPv6:
		size := net.IPv4len
		if atyp == socksAtypIPv6 {
			size = net.IPv6len
		}
		addr := make([]byte, size)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return 0, "", err
		}
		host = net.IP(addr).String()
	case socksAtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return 0, "", err
		}
		domain := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return 0, "", err
		}
		host = string(domain)
	default:
		socksSendReply(conn, socksRepAddrNotSupported)
		return 0, "", fmt.Errorf("unsupported address type %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return 0, "", err
	}
	port := binary.BigEndian.Uint16(portBuf)
	return cmd, net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// socksSendReply always reports 0.0.0.0:0 as the bound address.
func socksSendReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion5, rep, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func socksReplyFor(err error) byte {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "administratively prohibited"):
		return socksRepNotAllowed
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connect failed"):
		return socksRepConnRefused
	case strings.Contains(msg, "no route"), strings.Contains(msg, "unreachable"):
		return socksRepHostUnreachable
	default:
		return socksRepGeneralFailure
	}
}

// pipe copies in both directions until either side finishes, then closes both.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
