package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Discover enumerates system serial ports and returns the path of the
// first whose description contains match, mirroring find_com_port's
// substring search over comports(). go.bug.st/serial/enumerator is used
// instead of tarm/serial, which has no enumeration facility.
func Discover(match string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("transport: list ports: %w", err)
	}
	for _, port := range ports {
		if strings.Contains(port.Product, match) {
			return port.Name, nil
		}
	}
	return "", ErrNotFound
}
