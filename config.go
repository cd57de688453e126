package msgio

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transport modes of a Config.
const (
	ModeTCP       = "tcp"
	ModeKCP       = "kcp"
	ModeWebsocket = "websocket"
)

// Config is the file form of the gateway and connection settings.
//
//	mode: tcp
//	addr: 127.0.0.1:9000
//	max_incoming: 1048576
//	compression: 6
//	poll_interval: 5ms
//
// The tcp and kcp modes carry a byte stream (Listen, Dial). The websocket
// mode carries one frame per message on Path (WebsocketHandler,
// DialWebsocket) and its gateways are sized by MTU (PacketGateway).
type Config struct {
	Mode            string        `yaml:"mode"`
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	MTU             int           `yaml:"mtu"`
	MaxIncoming     int           `yaml:"max_incoming"`
	Compression     int           `yaml:"compression"`
	ScratchSize     int           `yaml:"scratch_size"`
	ReadSlice       time.Duration `yaml:"read_slice"`
	TagSource       bool          `yaml:"tag_source"`
	BufferSize      int           `yaml:"buffer_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// defaultMTU fits a frame into one Ethernet UDP datagram.
const defaultMTU = 1472

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Mode: ModeTCP, Path: "/", MTU: defaultMTU}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeTCP, ModeKCP, ModeWebsocket:
	default:
		return errors.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Compression < 0 || c.Compression > int(EncodingZlib9) {
		return errors.Errorf("config: compression %d out of range 0-9", c.Compression)
	}
	if c.MTU <= HeaderSize {
		return errors.Errorf("config: mtu %d too small", c.MTU)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.Errorf("config: path %q must start with /", c.Path)
	}
	return nil
}

// Options converts the config into gateway and connection options.
// The message factory and handlers still have to be supplied in code.
func (c *Config) Options() []Option {
	return []Option{
		MaxIncomingSizeOption(c.MaxIncoming),
		CompressionOption(c.Compression),
		ScratchSizeOption(c.ScratchSize),
		ReadSliceOption(c.ReadSlice),
		TagSourceOption(c.TagSource),
		BufferSizeOption(c.BufferSize),
		PollIntervalOption(c.PollInterval),
		IdleTimeoutOption(c.IdleTimeout),
	}
}

// ServerOptions converts the config into server options.
func (c *Config) ServerOptions() []ServerOption {
	return []ServerOption{ServerShutdownTimeoutOption(c.ShutdownTimeout)}
}

// Listen opens a stream listener on Addr for the tcp and kcp modes.
func (c *Config) Listen() (net.Listener, error) {
	switch c.Mode {
	case ModeTCP:
		l, err := net.Listen("tcp", c.Addr)
		return l, errors.Wrapf(err, "listen %s", c.Addr)
	case ModeKCP:
		return ListenKCP(c.Addr)
	default:
		return nil, errors.Errorf("config: mode %q has no stream listener, use WebsocketHandler", c.Mode)
	}
}

// Dial opens a stream connection to Addr for the tcp and kcp modes.
func (c *Config) Dial(ctx context.Context) (net.Conn, error) {
	switch c.Mode {
	case ModeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.Addr)
		return conn, errors.Wrapf(err, "dial %s", c.Addr)
	case ModeKCP:
		return DialKCP(c.Addr)
	default:
		return nil, errors.Errorf("config: mode %q has no stream dialer, use DialWebsocket", c.Mode)
	}
}

// PacketGateway creates a packet gateway sized by MTU with the config
// options followed by opt.
func (c *Config) PacketGateway(t PacketTransporter, opt ...Option) (*Gateway, error) {
	return NewPacketGateway(t, c.MTU, append(c.Options(), opt...)...)
}

// WebsocketHandler serves websocket upgrades on Path and calls handle with
// each transport on the request goroutine.
func (c *Config) WebsocketHandler(handle func(t *WebsocketTransport)) http.Handler {
	upgrader := &websocket.Upgrader{ReadBufferSize: c.MTU, WriteBufferSize: c.MTU}

	mux := http.NewServeMux()
	mux.HandleFunc(c.Path, func(w http.ResponseWriter, r *http.Request) {
		t, err := UpgradeWebsocket(upgrader, w, r, c.PollInterval)
		if err != nil {
			return
		}
		handle(t)
	})
	return mux
}

// DialWebsocket connects to ws://Addr/Path in the websocket mode.
func (c *Config) DialWebsocket(ctx context.Context) (*WebsocketTransport, error) {
	if c.Mode != ModeWebsocket {
		return nil, errors.Errorf("config: mode %q is not %s", c.Mode, ModeWebsocket)
	}
	return DialWebsocket(ctx, "ws://"+c.Addr+c.Path, c.PollInterval)
}
