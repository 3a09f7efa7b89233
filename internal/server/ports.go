package server

import (
	"fmt"
	"net"
)

// probePorts attempts a transient bind of each port and fails with an error
// naming the first occupied one. Run before spawning so two instances never
// silently fight over a port.
func probePorts(ports ...int) error {
	for _, port := range ports {
		if port <= 0 {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return fmt.Errorf("port %d is already in use: %w", port, err)
		}
		_ = ln.Close()
	}
	return nil
}
