// Package netutil acquires TCP listeners for the preview server pair.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoFreePort is returned when every port in the attempted window was
// already taken.
var ErrNoFreePort = errors.New("no free port in range")

// Listen binds the first free TCP port in [port, port+attempts) on host
// and returns the listener together with the port actually bound. With
// port 0 the operating system assigns one and the chosen port is
// reported back.
func Listen(host string, port, attempts int) (net.Listener, int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	return nil, 0, fmt.Errorf("%w (tried %d-%d): %v", ErrNoFreePort, port, port+attempts-1, lastErr)
}
