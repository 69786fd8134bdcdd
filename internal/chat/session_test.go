package chat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprksoft/smppgc/internal/config"
	"github.com/sprksoft/smppgc/internal/filter"
	"github.com/sprksoft/smppgc/internal/names"
	"github.com/sprksoft/smppgc/internal/wire"
)

func sessionTestConfig() *config.Config {
	return &config.Config{
		MaxStoredMessages: 5,
		MaxUsers:          10,
		MaxReservedNames:  5,
		MaxMessageLen:     100,
		MaxUsernameLen:    20,
		// rate limiting off unless a test opts in
		MinMessageTimeHard: 0,
		MinMessageTimeSoft: 0,
		KickBurst:          10000,
	}
}

type sessionHarness struct {
	t   *testing.T
	hub *Hub
	ss  *Sessions
	ctx context.Context
}

func newSessionHarness(t *testing.T, conf *config.Config) *sessionHarness {
	t.Helper()

	hub := NewHub(conf, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-hubDone
	})

	mgr := names.NewManager(conf.MaxReservedNames, conf.MaxUsernameLen)
	ss := NewSessions(conf, zerolog.Nop(), hub, mgr, filter.New(conf.MaxMessageLen, nil))
	return &sessionHarness{t: t, hub: hub, ss: ss, ctx: ctx}
}

// connect runs a session over an in-memory pipe. The returned channel
// closes when the session goroutine returns.
func (h *sessionHarness) connect(username, key string) (net.Conn, chan struct{}) {
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.ss.Serve(h.ctx, server, username, key)
		close(done)
	}()
	h.t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client, done
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	require.Equal(t, ws.OpBinary, op)
	return data
}

func readSetup(t *testing.T, conn net.Conn) *wire.Setup {
	t.Helper()
	s, err := wire.DecodeSetup(readFrame(t, conn))
	require.NoError(t, err)
	return s
}

func readMessage(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	m, err := wire.DecodeMessage(readFrame(t, conn))
	require.NoError(t, err)
	return m
}

func readUserJoin(t *testing.T, conn net.Conn) wire.UserJoin {
	t.Helper()
	u, err := wire.DecodeUserJoin(readFrame(t, conn))
	require.NoError(t, err)
	return u
}

func sendText(t *testing.T, conn net.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(conn, []byte(text)))
}

// expectClose drains frames until the close frame arrives and asserts
// its code and reason. Frames are read raw so no close reply races the
// server tearing the pipe down.
func expectClose(t *testing.T, conn net.Conn, code ws.StatusCode, reason string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		frame, err := ws.ReadFrame(conn)
		require.NoError(t, err)
		if frame.Header.OpCode != ws.OpClose {
			continue
		}
		gotCode, gotReason := ws.ParseCloseFrameData(frame.Payload)
		assert.Equal(t, code, gotCode)
		assert.Equal(t, reason, gotReason)
		return
	}
}

// expectSilence asserts no frame arrives within d.
func expectSilence(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := wsutil.ReadServerData(conn)
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestSessionSoloJoin(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")

	setup := readSetup(t, conn)
	assert.Equal(t, uint16(1), setup.SessionID)
	require.Len(t, setup.UserID, wire.UserIDLen)
	assert.Equal(t, byte('a'), setup.UserID[0])
	assert.Empty(t, setup.Clients)
	assert.Empty(t, setup.History)

	expectSilence(t, conn, 150*time.Millisecond)
}

func TestSessionTwoWayExchange(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	alice, _ := h.connect("alice", "")
	aliceSetup := readSetup(t, alice)
	require.Equal(t, uint16(1), aliceSetup.SessionID)

	bob, _ := h.connect("bob", "")
	bobSetup := readSetup(t, bob)
	require.Equal(t, uint16(2), bobSetup.SessionID)
	assert.Equal(t, []wire.Client{{ID: 1, Name: "alice"}}, bobSetup.Clients)

	assert.Equal(t, wire.UserJoin{ID: 2, Name: "bob"}, readUserJoin(t, alice))

	sendText(t, bob, "hi")

	echo := readMessage(t, bob)
	assert.Equal(t, uint16(2), echo.SenderID)
	assert.Equal(t, "hi", echo.Content)
	assert.InDelta(t, float64(wire.MinuteTimestamp(time.Now())), float64(echo.Timestamp), 1)

	fanned := readMessage(t, alice)
	assert.Equal(t, uint16(2), fanned.SenderID)
	assert.Equal(t, "hi", fanned.Content)

	require.Eventually(t, func() bool {
		hist := h.hub.HistorySnapshot()
		return len(hist) == 1 && hist[0].Sender == "bob" && hist[0].Content == "hi"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionHistoryReplay(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	alice, _ := h.connect("alice", "")
	readSetup(t, alice)
	sendText(t, alice, "first")
	readMessage(t, alice)
	sendText(t, alice, "second")
	readMessage(t, alice)

	require.Eventually(t, func() bool {
		return len(h.hub.HistorySnapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	bob, _ := h.connect("bob", "")
	setup := readSetup(t, bob)
	require.Len(t, setup.History, 2)
	assert.Equal(t, "alice", setup.History[0].Sender)
	assert.Equal(t, "first", setup.History[0].Content)
	assert.Equal(t, "second", setup.History[1].Content)
}

func TestSessionRateLimitKick(t *testing.T) {
	conf := sessionTestConfig()
	conf.MinMessageTimeHard = 100
	conf.MinMessageTimeSoft = 500
	conf.KickBurst = 2000
	h := newSessionHarness(t, conf)

	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	sendText(t, conn, "one")
	sendText(t, conn, "two")

	expectClose(t, conn, ws.StatusInternalServerError, "Too many messages.")

	// the kick still announces the leave
	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSpamKick(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	sendText(t, conn, "same thing")
	readMessage(t, conn)
	sendText(t, conn, "same thing")

	expectClose(t, conn, ws.StatusInternalServerError, "Please do not spam.")
}

func TestSessionKillMeCommand(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	sendText(t, conn, "/killme")
	expectClose(t, conn, ws.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionBlockMeSuppressesPublish(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	alice, _ := h.connect("alice", "")
	readSetup(t, alice)
	bob, _ := h.connect("bob", "")
	readSetup(t, bob)
	readUserJoin(t, alice)

	sendText(t, bob, "/blockme")
	sendText(t, bob, "into the void")

	// blocked users still see their own echo
	echo := readMessage(t, bob)
	assert.Equal(t, "into the void", echo.Content)

	expectSilence(t, alice, 150*time.Millisecond)
	assert.Empty(t, h.hub.HistorySnapshot())
}

func TestSessionNonTextFrameKick(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientBinary(conn, []byte{0x01, 0x02}))

	expectClose(t, conn, ws.StatusUnsupportedData, "No non-text messages.")
}

func TestSessionSanitizesInvalidUtf8(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	frame := ws.MaskFrameInPlace(ws.NewTextFrame([]byte{'h', 0xFF, 'i'}))
	require.NoError(t, ws.WriteFrame(conn, frame))

	echo := readMessage(t, conn)
	assert.Equal(t, "h�i", echo.Content)
}

func TestSessionUsernameTaken(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	k1 := names.NewAnonymousUserId().String()
	k2 := names.NewAnonymousUserId().String()

	conn, _ := h.connect("Alice", k1)
	readSetup(t, conn)

	other, _ := h.connect("alice", k2)
	expectClose(t, other, ws.StatusInternalServerError, "Username taken")
}

func TestSessionInvalidUsername(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("@@@", "")
	expectClose(t, conn, ws.StatusInternalServerError, "Username invalid")
}

func TestSessionInvalidKey(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "not-a-key")
	expectClose(t, conn, ws.StatusInternalServerError, "Invalid static user id.")
}

func TestSessionChatFull(t *testing.T) {
	conf := sessionTestConfig()
	conf.MaxUsers = 1
	h := newSessionHarness(t, conf)

	first, _ := h.connect("alice", "")
	readSetup(t, first)

	second, _ := h.connect("bob", "")
	expectClose(t, second, statusTryAgainLater, "Chat full.")
}

func TestSessionNameReclaimAcrossSessions(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	k1 := names.NewAnonymousUserId().String()
	k2 := names.NewAnonymousUserId().String()

	conn, done := h.connect("Alice", k1)
	readSetup(t, conn)
	conn.Close()
	<-done

	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// the reservation outlives the session for its owner only
	second, _ := h.connect("alice", k2)
	expectClose(t, second, ws.StatusInternalServerError, "Username taken")

	third, _ := h.connect("alice", k1)
	setup := readSetup(t, third)
	assert.Equal(t, byte('a'), setup.UserID[0])
}

func TestSessionLeaveFiresOnAbruptDisconnect(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())

	alice, _ := h.connect("alice", "")
	readSetup(t, alice)
	bob, done := h.connect("bob", "")
	readSetup(t, bob)
	readUserJoin(t, alice)

	bob.Close()
	<-done

	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionShutdownOnHubClose(t *testing.T) {
	h := newSessionHarness(t, sessionTestConfig())
	conn, _ := h.connect("alice", "")
	readSetup(t, conn)

	h.hub.Close()
	expectClose(t, conn, ws.StatusGoingAway, "Server shutting down.")
}
