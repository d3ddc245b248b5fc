// Package serialport provides a line-oriented serial transport built on
// go.bug.st/serial.
//
// The Diskovery controller talks ASCII lines over a USB serial adapter at
// 115200 baud, 8N1, no handshaking. This package hides the driver's
// timeout semantics (a timed-out read returns zero bytes and no error) and
// exposes three primitives the protocol layer needs:
//
//   - ReadLine(timeout): next complete line, or ErrTimeout
//   - Write: send a frame in one buffer
//   - Purge: drop everything received but not yet consumed
//
// # Usage
//
//	port, err := serialport.Open(serialport.Config{Name: "/dev/ttyUSB0"})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//
//	line, err := port.ReadLine(100 * time.Millisecond)
//	if errors.Is(err, serialport.ErrTimeout) {
//	    // nothing yet
//	}
package serialport
