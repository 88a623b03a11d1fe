package transport

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// OpenSerial opens path at baud, matching mjolnir.Open's use of
// tarm/serial to hand back the port as a plain io.ReadWriteCloser. A
// short ReadTimeout keeps the reader reactor task's blocking Read calls
// bounded, translating the original's non-blocking timeout=0 reads into
// a read that returns promptly with whatever bytes are available.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	}
	return serial.OpenPort(c)
}
