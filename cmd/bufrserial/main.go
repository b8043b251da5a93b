// bufrserial reads raw BUFR bytes off a serial device (a GTS dial-up
// feed) and forwards complete framed messages as UDP datagrams.
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/madpsy/bufrkit/pkg/bufr"
)

func main() {
	// CLI flags
	serialPort := flag.String("serial-port", "/dev/ttyUSB0", "Serial port device")
	baud := flag.Int("baud", 38400, "Baud rate")
	udpAddrs := flag.String("udp", "127.0.0.1:8201", "Comma-separated UDP destinations")
	debug := flag.Bool("debug", false, "Enable debug logging of forwarded data")
	flag.Parse()

	// Open serial
	mode := &serial.Mode{BaudRate: *baud}
	port, err := serial.Open(*serialPort, mode)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *serialPort, err)
	}
	defer port.Close()
	log.Printf("Listening on %s @ %d baud", *serialPort, *baud)

	// Setup UDP conns
	dests := splitAndTrim(*udpAddrs, ",")
	conns := make([]*net.UDPConn, len(dests))
	for i, d := range dests {
		addr, err := net.ResolveUDPAddr("udp", d)
		if err != nil {
			log.Fatalf("Invalid UDP addr %q: %v", d, err)
		}
		c, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			log.Fatalf("Dial %s: %v", addr, err)
		}
		conns[i] = c
		log.Printf("Forwarding to %s", addr)
	}

	// BUFR has no line framing: accumulate bytes and carve out complete
	// BUFR…7777 messages with the scanner as they arrive.
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if err != nil {
			if err == io.EOF {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Fatalf("Serial read error: %v", err)
		}
		pending = append(pending, buf[:n]...)

		scanner := bufr.NewScanner(pending)
		consumed := 0
		for {
			frame, err := scanner.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// malformed or still-incomplete message: wait for more bytes
				break
			}
			if *debug {
				log.Printf("Forwarding %d byte message", len(frame))
			}
			for _, c := range conns {
				c.Write(frame) // no retry
			}
			consumed = scanner.Pos()
		}
		if consumed > 0 {
			pending = append(pending[:0], pending[consumed:]...)
		}
		// drop leading noise so the buffer cannot grow unbounded
		if len(pending) > 1<<20 {
			pending = pending[len(pending)-4:]
		}
	}
}

// splitAndTrim splits and trims.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
