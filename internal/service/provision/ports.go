package provision

import (
	"fmt"
	"net"
)

// portProbe reports whether a TCP port on the loopback interface can be
// bound right now. Swappable in tests.
type portProbe func(port int) bool

func listenProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// pickPort linearly probes [start, end] and returns the first port observed
// unbound. There is no reservation between probe and the eventual bind, so
// two concurrent callers can select the same port.
func pickPort(start, end int, probe portProbe) (int, error) {
	if probe == nil {
		probe = listenProbe
	}
	for port := start; port <= end; port++ {
		if probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, start, end)
}
