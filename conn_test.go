package msgio

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func noopOnMessage(Message) error { return nil }

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if conn.opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", conn.opts.bufferSize, defaultBufferSize)
	}
	if conn.opts.pollInterval != defaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", conn.opts.pollInterval, defaultPollInterval)
	}
	if want := defaultReadSlicePolls * defaultPollInterval; conn.gateway.opts.readSlice != want {
		t.Errorf("readSlice = %v, want %v", conn.gateway.opts.readSlice, want)
	}
}

func TestNewConn_ExplicitReadSlice(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		ReadSliceOption(time.Second),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	if conn.gateway.opts.readSlice != time.Second {
		t.Errorf("readSlice = %v, want 1s", conn.gateway.opts.readSlice)
	}
}

func TestNewConn_MissingFactory(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, OnMessageOption(noopOnMessage))
	if err != ErrInvalidFactory {
		t.Errorf("expected ErrInvalidFactory, got %v", err)
	}
}

func TestNewConn_MissingOnMessage(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, FactoryOption(NewMsgFactory()))
	if err != ErrInvalidOnMessage {
		t.Errorf("expected ErrInvalidOnMessage, got %v", err)
	}
}

func TestConn_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}
}

func TestConn_Write_ChannelBlocked(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		BufferSizeOption(1),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Fill the channel
	if err = conn.Write(NewMsg(1)); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// This should fail because channel is blocked
	if err = conn.Write(NewMsg(2)); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Write_Nil(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if err = conn.Write(nil); err != ErrNilMessage {
		t.Errorf("expected ErrNilMessage, got %v", err)
	}
}

func TestConn_WriteBlocking(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		BufferSizeOption(1),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Fill the channel
	if err = conn.Write(NewMsg(1)); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// WriteBlocking with canceled context should fail
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err = conn.WriteBlocking(ctx, NewMsg(2)); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_WriteTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		BufferSizeOption(1),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Fill the channel
	if err = conn.Write(NewMsg(1)); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	// WriteTimeout should fail after timeout
	if err = conn.WriteTimeout(NewMsg(2), time.Millisecond*10); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Close(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if err = conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
	if err = conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err = conn.Write(NewMsg(1)); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()

	time.Sleep(time.Millisecond * 50)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}

	if !conn.IsClosed() {
		t.Error("connection not closed after Run returned")
	}
}

func TestConn_Run_ReadWrite(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	received := make(chan *Msg, 4)
	server, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		CompressionOption(6),
		OnMessageOption(func(m Message) error {
			received <- m.(*Msg)
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	client, err := NewConn(clientConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	for i := 1; i <= 3; i++ {
		msg := NewMsg(uint32(i))
		_ = msg.Set("text", "hello world")
		if err = client.WriteTimeout(msg, time.Second); err != nil {
			t.Fatalf("WriteTimeout failed: %v", err)
		}
	}

	for i := 1; i <= 3; i++ {
		select {
		case msg := <-received:
			if msg.What != uint32(i) {
				t.Errorf("What = %d, want %d", msg.What, i)
			}
			if text, _ := msg.Get("text"); text != "hello world" {
				t.Errorf("text = %v, want hello world", text)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}

	if got := client.Stats().TxFrames; got != 3 {
		t.Errorf("client TxFrames = %d, want 3", got)
	}
}

func TestConn_Run_WritesWhilePeerFloods(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// a buffer of back to back frames the peer writes without pause
	flood := NewMsg(1)
	_ = flood.Set("pad", string(make([]byte, 200)))
	body, err := flood.Flatten(nil)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	var chunk []byte
	for len(chunk) < 64*1024 {
		chunk = append(chunk, rawFrame(body, EncodingDefault)...)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := clientConn.Write(chunk); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// let the flood fill the socket before queueing the reply
	time.Sleep(time.Millisecond * 50)
	if err = conn.Write(NewMsg(7)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	peer, err := NewGateway(NewConnTransport(clientConn, time.Millisecond), FactoryOption(NewMsgFactory()))
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	var got []uint32
	deadline := time.Now().Add(5 * time.Second)
	for len(got) == 0 {
		if _, err = peer.ReadMore(func(m Message, _ net.Addr) {
			got = append(got, m.(*Msg).What)
		}, Unlimited); err != nil {
			t.Fatalf("ReadMore failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("queued message not sent while the peer kept writing")
		}
	}
	if got[0] != 7 {
		t.Errorf("What = %d, want 7", got[0])
	}
}

func TestConn_Run_OnMessageError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	handlerErr := errors.New("handler error")
	conn, err := NewConn(serverConn,
		FactoryOption(NewRawMsgFactory()),
		OnMessageOption(func(Message) error { return handlerErr }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	if _, err = clientConn.Write(rawFrame([]byte("hi"), 0)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case err := <-done:
		if err != handlerErr {
			t.Errorf("expected handler error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Run_MalformedStream(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		MaxIncomingSizeOption(16),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	if _, err = clientConn.Write(rawFrame(make([]byte, 64), 0)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("expected ErrFrameTooLarge, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Run_PeerClosed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	// Close client connection to trigger read error and exit
	clientConn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after the peer closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Run_IdleTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		FactoryOption(NewMsgFactory()),
		OnMessageOption(noopOnMessage),
		IdleTimeoutOption(time.Millisecond*50),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Errorf("expected ErrIdleTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Broadcast(t *testing.T) {
	const peers = 3

	msg := NewMsg(77)
	_ = msg.Set("news", "same bytes for everyone")
	MarkShareable(msg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Msg, peers)
	for i := 0; i < peers; i++ {
		serverConn, clientConn := createTestTCPPair(t)
		defer clientConn.Close()

		sender, err := NewConn(serverConn, FactoryOption(NewMsgFactory()), OnMessageOption(noopOnMessage))
		if err != nil {
			t.Fatalf("NewConn failed: %v", err)
		}
		receiver, err := NewConn(clientConn,
			FactoryOption(NewMsgFactory()),
			OnMessageOption(func(m Message) error {
				received <- m.(*Msg)
				return nil
			}),
		)
		if err != nil {
			t.Fatalf("NewConn failed: %v", err)
		}
		go sender.Run(ctx)
		go receiver.Run(ctx)

		if err = sender.Write(msg); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	for i := 0; i < peers; i++ {
		select {
		case got := <-received:
			if !got.Equal(msg) {
				t.Errorf("peer received %v, want %v", got, msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for broadcast")
		}
	}
}
