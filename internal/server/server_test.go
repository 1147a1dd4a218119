package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/internal/client"
	"github.com/omochice/ws-osc-bridge/internal/config"
	"github.com/omochice/ws-osc-bridge/internal/server"
	"github.com/omochice/ws-osc-bridge/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// destination is the UDP socket standing in for the OSC engine.
func destination(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testConfig(dest *net.UDPConn) *config.Config {
	cfg := config.Default()
	cfg.WSHost = "127.0.0.1"
	cfg.OSCTargetHost = "127.0.0.1"
	cfg.OSCTargetPort = dest.LocalAddr().(*net.UDPAddr).Port
	cfg.OSCListenHost = "127.0.0.1"
	cfg.WriteTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	srv, err := server.New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, address string) *client.Client {
	t.Helper()
	c, err := client.Dial(testContext(t), address, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readDatagram(t *testing.T, conn *net.UDPConn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65535)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := protocol.DecodeBinary(buf[:n])
	require.NoError(t, err)
	return msg
}

func sendDatagram(t *testing.T, addr string, data []byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func waitForClients(t *testing.T, srv *server.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_TextFrameReachesDestination(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	c := dial(t, "ws://"+srv.WSAddr())
	ctx := testContext(t)

	msg := protocol.NewMessage("/x", protocol.Int(1), protocol.String("a"))
	require.NoError(t, c.Send(ctx, msg))

	assert.Equal(t, msg, readDatagram(t, dest))

	ack, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"confirmation","received_address":"/x","received_args":[1,"a"],"status":"relayed_to_udp"}`,
		string(ack.Data))
}

func TestServer_BinaryFrameReachesDestination(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	c := dial(t, "ws://"+srv.WSAddr())
	ctx := testContext(t)

	msg := protocol.NewMessage("/control/slider1", protocol.Float(0.25))
	require.NoError(t, c.SendBinary(ctx, msg))

	assert.Equal(t, msg, readDatagram(t, dest))

	ack, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(ack.Data), `"status":"relayed_to_udp_binary"`)
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.WSAddr(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"address":"/after","args":[{"value":2}]}`)))

	assert.Equal(t, protocol.NewMessage("/after", protocol.Int(2)), readDatagram(t, dest))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), `"received_address":"/after"`)
	assert.Equal(t, 1, srv.ClientCount())
}

func TestServer_PingAfterWriteTimeout(t *testing.T) {
	dest := destination(t)
	cfg := testConfig(dest)
	cfg.WriteTimeout = 100 * time.Millisecond
	srv := startServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.WSAddr(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	pong := make(chan string, 1)
	conn.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"address":"/a"}`)))
	_, ack, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), `"received_address":"/a"`)

	time.Sleep(300 * time.Millisecond)

	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"address":"/b"}`)))
	_, ack, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(ack), `"received_address":"/b"`)

	select {
	case got := <-pong:
		assert.Equal(t, "hb", got)
	default:
		t.Fatal("pong was not received")
	}
	assert.Equal(t, 1, srv.ClientCount())
}

func TestServer_DatagramBroadcast(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	first := dial(t, "ws://"+srv.WSAddr())
	second := dial(t, "ws://"+srv.WSAddr())
	waitForClients(t, srv, 2)
	ctx := testContext(t)

	data, err := protocol.EncodeBinary(protocol.NewMessage("/y", protocol.Float(3.5)))
	require.NoError(t, err)
	sendDatagram(t, srv.UDPAddr(), data)

	for _, c := range []*client.Client{first, second} {
		f, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, bridge.FrameText, f.Kind)
		assert.Equal(t, `{"address":"/y","args":[{"type":"float","value":3.5}]}`, string(f.Data))
	}
}

func TestServer_DatagramBundle(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	c := dial(t, "ws://"+srv.WSAddr())
	waitForClients(t, srv, 1)
	ctx := testContext(t)

	data, err := protocol.EncodeBundle(
		protocol.NewMessage("/a", protocol.Int(1)),
		protocol.NewMessage("/b", protocol.String("two")),
	)
	require.NoError(t, err)
	sendDatagram(t, srv.UDPAddr(), data)

	for _, want := range []string{"/a", "/b"} {
		f, err := c.Next(ctx)
		require.NoError(t, err)
		got, err := protocol.DecodeText(f.Data)
		require.NoError(t, err)
		assert.Equal(t, want, got.Address)
	}
}

func TestServer_MalformedDatagramIsDropped(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	c := dial(t, "ws://"+srv.WSAddr())
	waitForClients(t, srv, 1)
	ctx := testContext(t)

	sendDatagram(t, srv.UDPAddr(), []byte("not osc"))
	data, err := protocol.EncodeBinary(protocol.NewMessage("/ok"))
	require.NoError(t, err)
	sendDatagram(t, srv.UDPAddr(), data)

	f, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"address":"/ok","args":[]}`, string(f.Data))
}

func TestServer_TCPTransport(t *testing.T) {
	dest := destination(t)
	cfg := testConfig(dest)
	cfg.TCPAddr = "127.0.0.1:0"
	srv := startServer(t, cfg)
	require.NotEmpty(t, srv.TCPAddr())

	c := dial(t, "tcp://"+srv.TCPAddr())
	ctx := testContext(t)

	msg := protocol.NewMessage("/tcp", protocol.Int(7))
	require.NoError(t, c.SendBinary(ctx, msg))
	assert.Equal(t, msg, readDatagram(t, dest))

	ack, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(ack.Data), `"status":"relayed_to_udp_binary"`)
}

func TestServer_TCPDisabledByDefault(t *testing.T) {
	srv := startServer(t, testConfig(destination(t)))
	assert.Empty(t, srv.TCPAddr())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	dest := destination(t)
	srv := startServer(t, testConfig(dest))
	dial(t, "ws://"+srv.WSAddr())
	waitForClients(t, srv, 1)

	resp, err := http.Get("http://" + srv.WSAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "oscbridge_connected_clients 1")
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig(destination(t))
	cfg.MetricsEnabled = false
	srv := startServer(t, cfg)

	resp, err := http.Get("http://" + srv.WSAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	srv, err := server.New(testConfig(destination(t)), discardLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	c := dial(t, "ws://"+srv.WSAddr())
	waitForClients(t, srv, 1)

	srv.Stop()
	srv.Stop()

	assert.Equal(t, 0, srv.ClientCount())
	_, err = c.Next(testContext(t))
	assert.ErrorIs(t, err, bridge.ErrTransportDisconnect)
}

func TestServer_BindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(destination(t))
	host, port, err := net.SplitHostPort(occupied.Addr().String())
	require.NoError(t, err)
	cfg.WSHost = host
	cfg.WSPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	srv, err := server.New(cfg, discardLogger())
	require.NoError(t, err)

	err = srv.Start()
	assert.ErrorIs(t, err, bridge.ErrBindFailure)
	assert.True(t, strings.Contains(err.Error(), "websocket"), "got %v", err)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := server.New(testConfig(destination(t)), discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
