package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Listen opens a listener for addr, which takes one of the forms
//
//	unix:/path/to/socket
//	tcp:host:port
//	vsock:port
//
// A stale unix socket file is removed first. vsock listens on the local
// context id, as a worker running inside a microVM guest does.
func Listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}

	switch scheme {
	case "unix":
		if err := os.Remove(rest); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", rest)
	case "tcp":
		return net.Listen("tcp", rest)
	case "vsock":
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", rest, err)
		}
		l, err := vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
}
