package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/msgio"
)

const (
	whatEcho  = 1
	whatReply = 2
)

type echoServer struct {
	opts   []msgio.Option
	connID int64

	sync.RWMutex
	connections map[int64]*msgio.Conn
}

func newEchoServer(opts []msgio.Option) *echoServer {
	return &echoServer{opts: opts, connections: make(map[int64]*msgio.Conn)}
}

func (s *echoServer) Handle(conn net.Conn) {
	connID := atomic.AddInt64(&s.connID, 1)

	// Echo
	onMessageOption := msgio.OnMessageOption(func(m msgio.Message) error {
		req, ok := m.(*msgio.Msg)
		if !ok {
			return nil
		}
		return s.getConn(connID).Write(echo(req))
	})

	opts := append([]msgio.Option{msgio.FactoryOption(msgio.NewMsgFactory()), onMessageOption}, s.opts...)
	newConn, err := msgio.NewConn(conn, opts...)
	if err != nil {
		slog.Error("failed to create conn", "error", err)
		_ = conn.Close()
		return
	}

	s.addConn(connID, newConn)
	defer s.deleteConn(connID)

	_ = newConn.Run(context.Background())
}

func (s *echoServer) addConn(connID int64, conn *msgio.Conn) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", connID, "addr", conn.Addr())
	s.connections[connID] = conn
}

func (s *echoServer) deleteConn(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, connID)
}

func (s *echoServer) getConn(connID int64) *msgio.Conn {
	s.RLock()
	defer s.RUnlock()

	return s.connections[connID]
}

// broadcast sends one message to every connection, flattening it once.
func (s *echoServer) broadcast(msg *msgio.Msg) {
	msgio.MarkShareable(msg)

	s.RLock()
	defer s.RUnlock()
	for id, conn := range s.connections {
		if err := conn.Write(msg); err != nil {
			slog.Warn("broadcast failed", "connID", id, "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *msgio.Config) error {
	listener, err := cfg.Listen()
	if err != nil {
		return err
	}

	handler := newEchoServer(cfg.Options())
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				msg := msgio.NewMsg(whatEcho)
				_ = msg.Set("time", t.Format(time.RFC3339))
				handler.broadcast(msg)
			}
		}
	}()

	server := msgio.NewServer(listener, cfg.ServerOptions()...)
	defer server.Close()
	slog.Info("server start", "mode", cfg.Mode, "addr", listener.Addr().String())
	return server.Serve(ctx, handler)
}

// echo answers a request with a reply carrying the same fields.
func echo(req *msgio.Msg) *msgio.Msg {
	resp := req.Clone()
	resp.What = whatReply
	msgio.Reply(req, resp)
	return resp
}

// serveWebsocket runs one packet gateway per websocket connection.
func serveWebsocket(ctx context.Context, cfg *msgio.Config) error {
	srv := &http.Server{Addr: cfg.Addr, Handler: cfg.WebsocketHandler(func(t *msgio.WebsocketTransport) {
		defer t.Close()

		g, err := cfg.PacketGateway(t, msgio.FactoryOption(msgio.NewMsgFactory()))
		if err != nil {
			slog.Error("failed to create gateway", "error", err)
			return
		}
		slog.Info("websocket connected", "addr", t.RemoteAddr())

		for ctx.Err() == nil {
			_, err = g.ReadMore(func(m msgio.Message, _ net.Addr) {
				if req, ok := m.(*msgio.Msg); ok {
					_ = g.Enqueue(echo(req), nil)
				}
			}, msgio.Unlimited)
			if err == nil {
				_, err = g.WriteMore(msgio.Unlimited)
			}
			if err != nil {
				slog.Info("websocket closed", "addr", t.RemoteAddr(), "error", err)
				return
			}
		}
	})}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	slog.Info("server start", "mode", cfg.Mode, "addr", cfg.Addr, "path", cfg.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func callWebsocket(ctx context.Context, cfg *msgio.Config, text string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	t, err := cfg.DialWebsocket(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	g, err := cfg.PacketGateway(t, msgio.FactoryOption(msgio.NewMsgFactory()))
	if err != nil {
		return err
	}

	req := msgio.NewMsg(whatEcho)
	if err = req.Set("text", text); err != nil {
		return err
	}
	if err = g.Enqueue(req, nil); err != nil {
		return err
	}

	var reply *msgio.Msg
	for reply == nil {
		if err = ctx.Err(); err != nil {
			return err
		}
		if _, err = g.WriteMore(msgio.Unlimited); err != nil {
			return err
		}
		if _, err = g.ReadMore(func(m msgio.Message, _ net.Addr) {
			if msg, ok := m.(*msgio.Msg); ok && msg.What == whatReply {
				reply = msg
			}
		}, msgio.Unlimited); err != nil {
			return err
		}
	}

	got, _ := reply.Get("text")
	slog.Info("reply", "text", got)
	return nil
}

func call(ctx context.Context, cfg *msgio.Config, text string) error {
	opts := append([]msgio.Option{
		msgio.FactoryOption(msgio.NewMsgFactory()),
		msgio.DialOption(func(ctx context.Context, _ string) (net.Conn, error) {
			return cfg.Dial(ctx)
		}),
	}, cfg.Options()...)

	caller, err := msgio.NewCaller(opts...)
	if err != nil {
		return err
	}
	defer caller.Close()

	req := msgio.NewMsg(whatEcho)
	if err = req.Set("text", text); err != nil {
		return err
	}

	reply, err := caller.RequestReply(ctx, req, cfg.Addr, 5*time.Second)
	if err != nil {
		return err
	}
	got, _ := reply.(*msgio.Msg).Get("text")
	slog.Info("reply", "text", got)
	return nil
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	client := flag.String("call", "", "send one echo request with this text and exit")
	flag.Parse()

	cfg, err := msgio.ParseConfig([]byte("addr: 127.0.0.1:12345"))
	if *configPath != "" {
		cfg, err = msgio.LoadConfig(*configPath)
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	websocket := cfg.Mode == msgio.ModeWebsocket
	switch {
	case *client != "" && websocket:
		err = callWebsocket(ctx, cfg, *client)
	case *client != "":
		err = call(ctx, cfg, *client)
	case websocket:
		err = serveWebsocket(ctx, cfg)
	default:
		err = serve(ctx, cfg)
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("echo error", "error", err)
		os.Exit(1)
	}
}
