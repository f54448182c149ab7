// Package instrument drives the bench hardware: TTi power supply, Keithley
// multimeter, relay boards and the X-ray generator, over raw serial or a
// Prologix GPIB controller.
package instrument

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	"github.com/gotmc/prologix/driver/vcp"
	"github.com/tarm/serial"

	"github.com/msageha/croc_campaign/internal/model"
)

// Conn is a line-oriented SCPI link.
type Conn interface {
	Command(cmd string) error
	Query(cmd string) (string, error)
	Close() error
}

type lineConn struct {
	mu   sync.Mutex
	rwc  io.ReadWriteCloser
	r    *bufio.Reader
	term string
}

// NewLineConn speaks newline-terminated commands over rwc.
func NewLineConn(rwc io.ReadWriteCloser) Conn {
	return &lineConn{rwc: rwc, r: bufio.NewReader(rwc), term: "\n"}
}

// OpenSerial opens a serial port for line-terminated SCPI.
func OpenSerial(port string, baud int, timeout time.Duration) (Conn, error) {
	if baud <= 0 {
		baud = 9600
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	return NewLineConn(p), nil
}

func (c *lineConn) Command(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(cmd)
}

func (c *lineConn) write(cmd string) error {
	if _, err := io.WriteString(c.rwc, cmd+c.term); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

func (c *lineConn) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(cmd); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func (c *lineConn) Close() error { return c.rwc.Close() }

type gpibConn struct {
	mu   sync.Mutex
	port io.Closer
	ctrl *prologix.Controller
}

// OpenPrologix reaches a GPIB instrument at addr through a Prologix USB
// controller on port.
func OpenPrologix(port string, addr int) (Conn, error) {
	v, err := vcp.NewVCP(port)
	if err != nil {
		return nil, fmt.Errorf("open prologix %s: %w", port, err)
	}
	return newGPIBConn(v, addr)
}

func newGPIBConn(rwc io.ReadWriteCloser, addr int) (*gpibConn, error) {
	ctrl, err := prologix.NewController(rwc, addr, false)
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("prologix controller addr=%d: %w", addr, err)
	}
	return &gpibConn{port: rwc, ctrl: ctrl}, nil
}

// Command sends cmd verbatim. Commands may carry a literal '%'.
func (g *gpibConn) Command(cmd string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrl.Command("%s", cmd)
}

func (g *gpibConn) Query(cmd string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.ctrl.Query(cmd)
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// Close hands the instrument back to its front panel before releasing the
// port.
func (g *gpibConn) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ctrl.FrontPanel(true); err != nil {
		_ = g.port.Close()
		return fmt.Errorf("return to local: %w", err)
	}
	return g.port.Close()
}

// Dial opens the transport named by cfg.
func Dial(cfg model.TransportConfig) (Conn, error) {
	switch cfg.Transport {
	case "", "serial":
		return OpenSerial(cfg.Port, cfg.Baud, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	case "prologix":
		return OpenPrologix(cfg.Port, cfg.GPIBAddress)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
