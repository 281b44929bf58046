package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zereker/mpnet"
	"github.com/Zereker/mpnet/wsnet"
)

func TestLobby_Rooms(t *testing.T) {
	l := newLobby(1)
	leader := &player{lobby: l, username: defaultUsername}

	r := l.create(leader)
	require.Len(t, r.code, roomCodeLength)
	assert.Same(t, r, l.find(r.code))
	assert.Nil(t, l.find("AB"))

	lower := []byte(r.code)
	for i := range lower {
		lower[i] += 'a' - 'A'
	}
	assert.Same(t, r, l.find(string(lower)))

	assert.False(t, r.add(leader), "already a member")
	for i := 1; i < maxRoomSize; i++ {
		assert.True(t, r.add(&player{lobby: l}))
	}
	assert.False(t, r.add(&player{lobby: l}), "room is full")

	// A freed seat can be taken again.
	require.True(t, r.remove(l, r.players[maxRoomSize-1]))
	assert.True(t, r.add(&player{lobby: l}))

	for len(r.players) > 0 {
		assert.True(t, r.remove(l, r.players[0]))
	}
	assert.False(t, r.remove(l, leader))
	assert.Nil(t, l.find(r.code), "empty rooms are dropped")
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *mpnet.Reader
	w    *mpnet.Writer
}

func dial(t *testing.T, server *mpnet.Server) *client {
	t.Helper()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	return &client{t: t, conn: conn, r: mpnet.NewReader(conn), w: mpnet.NewWriter(conn)}
}

func (c *client) send(code int16, body ...any) {
	c.t.Helper()

	require.NoError(c.t, c.w.WriteHeader(code))
	for _, v := range body {
		switch v := v.(type) {
		case string:
			require.NoError(c.t, c.w.WriteString(v))
		case float32:
			require.NoError(c.t, c.w.WriteF32(v))
		}
	}
}

func (c *client) expect(code int16) {
	c.t.Helper()

	handshake, err := c.r.ReadS16()
	require.NoError(c.t, err)
	require.Equal(c.t, mpnet.Handshake, handshake)
	got, err := c.r.ReadS16()
	require.NoError(c.t, err)
	require.Equal(c.t, code, got)
}

func (c *client) status() int8 {
	c.t.Helper()
	v, err := c.r.ReadS8()
	require.NoError(c.t, err)
	return v
}

func (c *client) str() string {
	c.t.Helper()
	s, err := c.r.ReadString()
	require.NoError(c.t, err)
	return s
}

func (c *client) f32() float32 {
	c.t.Helper()
	v, err := c.r.ReadF32()
	require.NoError(c.t, err)
	return v
}

func newTestServer(t *testing.T) *mpnet.Server {
	t.Helper()

	server, err := mpnet.New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, newPlayerFactory(newLobby(1)),
		mpnet.ServerLoggerOption(mpnet.NewZapLogger(zap.NewNop())))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	require.NoError(t, server.Listen())
	require.NoError(t, server.StartDispatch())
	return server
}

func TestLobby_Session(t *testing.T) {
	server := newTestServer(t)
	alice := dial(t, server)
	bob := dial(t, server)

	alice.send(codeUserID)
	alice.expect(codeUserID)
	assert.Len(t, alice.str(), 36)

	alice.send(codeRoomInfo)
	alice.expect(codeRoomInfo)
	assert.Equal(t, statusNotFound, alice.status())

	alice.send(codeCreateRoom)
	alice.expect(codeCreateRoom)
	code := alice.str()
	require.Len(t, code, roomCodeLength)

	bob.send(codeSetUsername, "Bob")
	bob.expect(codeSetUsername)
	assert.Equal(t, "Bob", bob.str())

	bob.send(codeJoinRoom, "ZZZ")
	bob.expect(codeJoinRoom)
	assert.Equal(t, statusNotFound, bob.status())

	bob.send(codeJoinRoom, code)
	bob.expect(codeJoinRoom)
	assert.Equal(t, statusOK, bob.status())

	bob.send(codeJoinRoom, code)
	bob.expect(codeJoinRoom)
	assert.Equal(t, statusFull, bob.status())

	bob.send(codeRoomInfo)
	bob.expect(codeRoomInfo)
	assert.Equal(t, statusOK, bob.status())
	assert.Equal(t, code, bob.str())
	require.Equal(t, int8(2), bob.status())
	assert.Equal(t, defaultUsername, bob.str())
	assert.Equal(t, "Bob", bob.str())

	bob.send(codeSetLocation, float32(1), float32(2.5), float32(-3))
	alice.expect(codeSetLocation)
	assert.Equal(t, "Bob", alice.str())
	assert.Equal(t, float32(1), alice.f32())
	assert.Equal(t, float32(2.5), alice.f32())
	assert.Equal(t, float32(-3), alice.f32())

	bob.send(codeLeaveRoom)
	bob.expect(codeLeaveRoom)
	assert.Equal(t, statusOK, bob.status())

	bob.send(codeLeaveRoom)
	bob.expect(codeLeaveRoom)
	assert.Equal(t, statusNotFound, bob.status())

	alice.send(codeRoomInfo)
	alice.expect(codeRoomInfo)
	assert.Equal(t, statusOK, alice.status())
	assert.Equal(t, code, alice.str())
	assert.Equal(t, int8(1), alice.status())
	assert.Equal(t, defaultUsername, alice.str())
}

func TestLobby_DisconnectLeavesRoom(t *testing.T) {
	server := newTestServer(t)
	alice := dial(t, server)
	bob := dial(t, server)

	alice.send(codeCreateRoom)
	alice.expect(codeCreateRoom)
	code := alice.str()

	bob.send(codeJoinRoom, code)
	bob.expect(codeJoinRoom)
	require.Equal(t, statusOK, bob.status())

	alice.conn.Close()
	require.Eventually(t, func() bool { return server.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	bob.send(codeRoomInfo)
	bob.expect(codeRoomInfo)
	assert.Equal(t, statusOK, bob.status())
	assert.Equal(t, code, bob.str())
	assert.Equal(t, int8(1), bob.status())
	assert.Equal(t, defaultUsername, bob.str())
}

func TestServeAll_WaitsForEveryServer(t *testing.T) {
	nop := mpnet.ServerLoggerOption(mpnet.NewZapLogger(zap.NewNop()))

	tcpLobby := newLobby(1)
	tcpServer, err := mpnet.New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, newPlayerFactory(tcpLobby), nop)
	require.NoError(t, err)

	ln, err := wsnet.Listen("127.0.0.1:0", "/play")
	require.NoError(t, err)
	wsLobby := newLobby(2)
	wsServer, err := mpnet.NewWithListener(ln, newPlayerFactory(wsLobby), nop)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveAll(ctx, tcpServer, wsServer)
	}()

	require.Eventually(t, func() bool {
		return tcpServer.Status() == mpnet.StatusRunning && wsServer.Status() == mpnet.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	alice := dial(t, tcpServer)
	alice.send(codeCreateRoom)
	alice.expect(codeCreateRoom)
	alice.str()

	wsConn, err := wsnet.Dial("ws://" + ln.Addr().String() + "/play")
	require.NoError(t, err)
	defer wsConn.Close()
	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	bob := &client{t: t, conn: wsConn, r: mpnet.NewReader(wsConn), w: mpnet.NewWriter(wsConn)}
	bob.send(codeCreateRoom)
	bob.expect(codeCreateRoom)
	bob.str()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveAll did not return")
	}

	// Both dispatch loops have stopped, so every Disconnected was handled.
	assert.Equal(t, mpnet.StatusStopped, tcpServer.Status())
	assert.Equal(t, mpnet.StatusStopped, wsServer.Status())
	assert.Empty(t, tcpLobby.rooms)
	assert.Empty(t, wsLobby.rooms)
}
