package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for worker connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// bufferedConn keeps the reader used during a handshake so bytes it read
// ahead are not lost.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// dialWorker connects to addr, retrying with exponential backoff. addr takes
// one of the forms
//
//	unix:/path/to/socket
//	tcp:host:port
//	vsock:cid:port
//	firecracker:/path/to/vsock.sock:port
//
// The firecracker form speaks Firecracker's host-side vsock bridge: it sends
// "CONNECT <port>\n" on the unix socket and expects "OK <host_port>\n".
func dialWorker(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if isAddrError(err) {
			return nil, err
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial worker: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial worker after %d attempts: %w", dialMaxRetries, lastErr)
}

// addrError reports a malformed address; retrying cannot fix it.
type addrError struct{ msg string }

func (e *addrError) Error() string { return e.msg }

func isAddrError(err error) bool {
	var ae *addrError
	return errors.As(err, &ae)
}

func dialOnce(ctx context.Context, addr string) (net.Conn, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return nil, &addrError{fmt.Sprintf("invalid worker address %q", addr)}
	}

	var d net.Dialer
	switch scheme {
	case "unix":
		return d.DialContext(ctx, "unix", rest)
	case "tcp":
		return d.DialContext(ctx, "tcp", rest)
	case "vsock":
		cidStr, portStr, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, &addrError{fmt.Sprintf("vsock address %q needs cid:port", rest)}
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return nil, &addrError{fmt.Sprintf("invalid vsock cid %q", cidStr)}
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return nil, &addrError{fmt.Sprintf("invalid vsock port %q", portStr)}
		}
		conn, err := vsock.Dial(uint32(cid), uint32(port), nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", cid, port, err)
		}
		return conn, nil
	case "firecracker":
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 {
			return nil, &addrError{fmt.Sprintf("firecracker address %q needs path:port", rest)}
		}
		port, err := strconv.ParseUint(rest[i+1:], 10, 32)
		if err != nil {
			return nil, &addrError{fmt.Sprintf("invalid vsock port %q", rest[i+1:])}
		}
		return dialVsockUDS(ctx, rest[:i], uint32(port))
	default:
		return nil, &addrError{fmt.Sprintf("unsupported worker scheme %q", scheme)}
	}
}

// dialVsockUDS connects through Firecracker's unix socket bridge to a guest
// vsock listener.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, reader: reader}, nil
}
