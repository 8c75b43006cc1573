package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/modbus-monitor/backend/internal/utils"
	mb "github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// RegisterKind selects the Modbus table a signal is read from
type RegisterKind string

const (
	RegisterHolding  RegisterKind = "holding"
	RegisterInput    RegisterKind = "input"
	RegisterCoil     RegisterKind = "coil"
	RegisterDiscrete RegisterKind = "discrete"
)

// Valid reports whether the register kind is supported
func (k RegisterKind) Valid() bool {
	switch k {
	case RegisterHolding, RegisterInput, RegisterCoil, RegisterDiscrete:
		return true
	}
	return false
}

// LinkConfig describes one device connection
type LinkConfig struct {
	Protocol       string // "tcp" or "rtu"
	Host           string
	Port           int
	SerialPort     string
	BaudRate       int
	UnitID         uint8
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Validate rejects malformed connection parameters synchronously
func (c *LinkConfig) Validate() error {
	switch c.Protocol {
	case "tcp":
		if c.Host == "" {
			return &ConnectError{Reason: ConnectInvalidConfig, Err: errors.New("host is required for tcp")}
		}
		if c.Port <= 0 || c.Port > 65535 {
			return &ConnectError{Reason: ConnectInvalidConfig, Err: fmt.Errorf("invalid port %d", c.Port)}
		}
	case "rtu":
		if c.SerialPort == "" {
			return &ConnectError{Reason: ConnectInvalidConfig, Err: errors.New("serial port is required for rtu")}
		}
		if c.BaudRate <= 0 {
			return &ConnectError{Reason: ConnectInvalidConfig, Err: fmt.Errorf("invalid baud rate %d", c.BaudRate)}
		}
	default:
		return &ConnectError{Reason: ConnectInvalidConfig, Err: fmt.Errorf("unknown protocol %q", c.Protocol)}
	}
	return nil
}

// url builds the transport URL understood by the underlying Modbus library
func (c *LinkConfig) url() string {
	if c.Protocol == "rtu" {
		return "rtu://" + c.SerialPort
	}
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Link is the device connection used by the poll loop. Implemented by
// Client for real devices and by fakes in tests.
type Link interface {
	Open(cfg LinkConfig) error
	ReadRange(kind RegisterKind, start, count uint16) ([]uint16, error)
	WriteRegister(addr, value uint16) error
	WriteCoil(addr uint16, on bool) error
	Close() error
}

// Client owns the connection to one Modbus device. It holds at most one
// live transport handle; opening while already open closes the prior
// handle first.
type Client struct {
	mu     sync.Mutex
	conn   *mb.ModbusClient
	logger *utils.Logger
}

// NewClient creates a new, unconnected device client
func NewClient(logger *utils.Logger) *Client {
	return &Client{
		logger: logger.Named("modbus_client"),
	}
}

// Open establishes a session with the device described by cfg
func (c *Client) Open(cfg LinkConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// No leaked handles: drop any previous session first
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("Failed to close previous session", zap.Error(err))
		}
		c.conn = nil
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = time.Second
	}

	// The library applies its single Timeout to every exchange,
	// including the dial. Requests need the short read timeout, so the
	// dial is bounded separately with a reachability check at the
	// connect timeout.
	if cfg.Protocol == "tcp" {
		connectTimeout := cfg.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = 5 * time.Second
		}
		check, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), connectTimeout)
		if err != nil {
			return classifyConnectError(err)
		}
		check.Close()
	}

	conn, err := mb.NewClient(&mb.ClientConfiguration{
		URL:      cfg.url(),
		Timeout:  readTimeout,
		Speed:    uint(cfg.BaudRate),
		DataBits: 8,
		Parity:   mb.PARITY_NONE,
		StopBits: 1,
	})
	if err != nil {
		return &ConnectError{Reason: ConnectInvalidConfig, Err: err}
	}

	c.logger.Info("Connecting to device",
		zap.String("url", cfg.url()),
		zap.Uint8("unit_id", cfg.UnitID))

	if err := conn.Open(); err != nil {
		return classifyConnectError(err)
	}

	if err := conn.SetUnitId(cfg.UnitID); err != nil {
		conn.Close()
		return &ConnectError{Reason: ConnectInvalidConfig, Err: err}
	}

	c.conn = conn
	return nil
}

// ReadRange reads count values starting at start from the given register
// table. Coil and discrete values are widened to 0/1 words so the codec
// sees a uniform representation.
func (c *Client) ReadRange(kind RegisterKind, start, count uint16) ([]uint16, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, &ReadError{Reason: ReadLinkDown, Err: errors.New("not connected")}
	}

	switch kind {
	case RegisterHolding:
		words, err := conn.ReadRegisters(start, count, mb.HOLDING_REGISTER)
		if err != nil {
			return nil, classifyReadError(err)
		}
		return words, nil
	case RegisterInput:
		words, err := conn.ReadRegisters(start, count, mb.INPUT_REGISTER)
		if err != nil {
			return nil, classifyReadError(err)
		}
		return words, nil
	case RegisterCoil:
		bits, err := conn.ReadCoils(start, count)
		if err != nil {
			return nil, classifyReadError(err)
		}
		return bitsToWords(bits), nil
	case RegisterDiscrete:
		bits, err := conn.ReadDiscreteInputs(start, count)
		if err != nil {
			return nil, classifyReadError(err)
		}
		return bitsToWords(bits), nil
	default:
		return nil, &ReadError{Reason: ReadProtocol, Err: fmt.Errorf("unknown register kind %q", kind)}
	}
}

// WriteRegister writes a single holding register
func (c *Client) WriteRegister(addr, value uint16) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &ReadError{Reason: ReadLinkDown, Err: errors.New("not connected")}
	}
	if err := conn.WriteRegister(addr, value); err != nil {
		return classifyReadError(err)
	}
	return nil
}

// WriteCoil writes a single coil
func (c *Client) WriteCoil(addr uint16, on bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &ReadError{Reason: ReadLinkDown, Err: errors.New("not connected")}
	}
	if err := conn.WriteCoil(addr, on); err != nil {
		return classifyReadError(err)
	}
	return nil
}

// Close releases the transport handle. Safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func bitsToWords(bits []bool) []uint16 {
	words := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			words[i] = 1
		}
	}
	return words
}

// classifyConnectError maps transport errors onto the connect taxonomy
func classifyConnectError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Reason: ConnectTimeout, Err: err}
	}
	if errors.Is(err, mb.ErrConfigurationError) {
		return &ConnectError{Reason: ConnectInvalidConfig, Err: err}
	}
	if strings.Contains(err.Error(), "connection refused") {
		return &ConnectError{Reason: ConnectRefused, Err: err}
	}
	return &ConnectError{Reason: ConnectRefused, Err: err}
}

// classifyReadError maps library errors onto the read taxonomy. Valid
// Modbus exception responses become DeviceError: the link is fine, the
// device rejected the request.
func classifyReadError(err error) error {
	switch {
	case errors.Is(err, mb.ErrIllegalFunction),
		errors.Is(err, mb.ErrIllegalDataAddress),
		errors.Is(err, mb.ErrIllegalDataValue),
		errors.Is(err, mb.ErrServerDeviceFailure),
		errors.Is(err, mb.ErrServerDeviceBusy),
		errors.Is(err, mb.ErrAcknowledge):
		return &DeviceError{Err: err}
	case errors.Is(err, mb.ErrRequestTimedOut):
		return &ReadError{Reason: ReadTimeout, Err: err}
	case errors.Is(err, mb.ErrProtocolError),
		errors.Is(err, mb.ErrBadCRC),
		errors.Is(err, mb.ErrShortFrame),
		errors.Is(err, mb.ErrBadUnitId):
		return &ReadError{Reason: ReadProtocol, Err: err}
	case errors.Is(err, io.EOF):
		return &ReadError{Reason: ReadLinkDown, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ReadError{Reason: ReadTimeout, Err: err}
		}
		return &ReadError{Reason: ReadLinkDown, Err: err}
	}

	return &ReadError{Reason: ReadLinkDown, Err: err}
}
