package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/sprksoft/smppgc/internal/config"
	"github.com/sprksoft/smppgc/internal/filter"
	"github.com/sprksoft/smppgc/internal/limits"
	"github.com/sprksoft/smppgc/internal/monitoring"
	"github.com/sprksoft/smppgc/internal/names"
	"github.com/sprksoft/smppgc/internal/wire"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Ping interval. Keeps NATs and proxies from reaping idle sockets
	// and surfaces dead peers as write errors. Lurkers are expected, so
	// there is no read deadline.
	pingPeriod = 27 * time.Second

	// Outbound frames queued per session. When the queue is full the
	// session's subscriptions stall and lag instead of blocking other
	// sessions.
	sendBuffer = 64
)

// statusTryAgainLater is close code 1013, which the ws package does not
// name.
const statusTryAgainLater ws.StatusCode = 1013

// Sessions serves one WebSocket connection per call, from handshake to
// close frame.
type Sessions struct {
	conf   *config.Config
	log    zerolog.Logger
	hub    *Hub
	names  *names.Manager
	filter *filter.Filter
}

func NewSessions(conf *config.Config, logger zerolog.Logger, hub *Hub, mgr *names.Manager, filt *filter.Filter) *Sessions {
	return &Sessions{
		conf:   conf,
		log:    logger.With().Str("component", "session").Logger(),
		hub:    hub,
		names:  mgr,
		filter: filt,
	}
}

// Serve runs a session on an already-upgraded connection and returns
// when it ends. username and key are the raw query parameters.
func (ss *Sessions) Serve(ctx context.Context, conn net.Conn, username, key string) {
	log := ss.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	uid, err := sessionIdentity(key)
	if err != nil {
		log.Info().Err(err).Msg("Rejected malformed static user id")
		monitoring.KicksTotal.WithLabelValues("bad_key").Inc()
		closeConn(conn, ws.StatusInternalServerError, "Invalid static user id.")
		return
	}

	claimed, err := ss.names.Claim(uid, username)
	if err != nil {
		reason := "Username invalid"
		if errors.Is(err, names.ErrNameTaken) {
			reason = "Username taken"
		}
		log.Info().Err(err).Str("username", username).Msg("Rejected username claim")
		monitoring.KicksTotal.WithLabelValues("bad_username").Inc()
		closeConn(conn, ws.StatusInternalServerError, reason)
		return
	}

	handle, err := ss.hub.NewClient(claimed)
	if err != nil {
		log.Info().Str("username", claimed.Name()).Msg("Chat full, turning user away")
		monitoring.KicksTotal.WithLabelValues("chat_full").Inc()
		closeConn(conn, statusTryAgainLater, "Chat full.")
		return
	}
	defer handle.Close()

	s := &session{
		log: log.With().
			Uint16("id", handle.User.ID).
			Str("username", handle.User.Name).
			Logger(),
		conn:   conn,
		handle: handle,
		rate: limits.NewRateLimiter(limits.RateConfig{
			MinMessageTimeHard: ss.conf.MinMessageTimeHard,
			MinMessageTimeSoft: ss.conf.MinMessageTimeSoft,
			KickBurst:          ss.conf.KickBurst,
		}),
		spam:   limits.NewSpamLimiter[string](limits.DefaultSpamWindow),
		filter: ss.filter,
		send:   make(chan []byte, sendBuffer),
		kick:   make(chan closeNote, 1),
	}
	defer s.shutdown()

	if err := s.sendSetup(uid); err != nil {
		s.log.Debug().Err(err).Msg("Setup write failed")
		return
	}
	s.log.Debug().Msg("Session started")
	s.run(ctx)
	s.log.Debug().Msg("Session ended")
}

func sessionIdentity(key string) (names.UserId, error) {
	if key == "" {
		return names.NewAnonymousUserId(), nil
	}
	return names.ParseUserId(key)
}

// closeConn writes a close frame and closes the socket. Only for use
// before the write pump exists; after that, closes go through the kick
// channel.
func closeConn(conn net.Conn, code ws.StatusCode, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	conn.Close()
}

type closeNote struct {
	code   ws.StatusCode
	reason string
}

type session struct {
	log    zerolog.Logger
	conn   net.Conn
	handle *SessionHandle

	rate   *limits.RateLimiter
	spam   *limits.SpamLimiter[string]
	filter *filter.Filter

	send chan []byte
	kick chan closeNote

	blocked   bool // set by /blockme, suppresses publishes but not echoes
	closeOnce sync.Once
}

// sendSetup writes the session's first frame: its id and identity token,
// the roster without itself, and the replayed history.
func (s *session) sendSetup(uid names.UserId) error {
	roster := s.handle.hub.RosterSnapshot()
	clients := make([]wire.Client, 0, len(roster))
	for _, u := range roster {
		if u.ID == s.handle.User.ID {
			continue
		}
		clients = append(clients, wire.Client{ID: u.ID, Name: u.Name})
	}

	hist := s.handle.hub.HistorySnapshot()
	entries := make([]wire.HistoryEntry, 0, len(hist))
	for _, m := range hist {
		entries = append(entries, wire.HistoryEntry{
			Timestamp: m.Timestamp,
			Sender:    m.Sender,
			Content:   m.Content,
		})
	}

	setup := wire.Setup{
		SessionID: s.handle.User.ID,
		UserID:    uid.String(),
		Clients:   clients,
		History:   entries,
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, ws.OpBinary, setup.Encode())
}

// run drives the four session loops. The first loop to exit cancels the
// rest; the write pump closes the socket on its way out, which unblocks
// the reader.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := []func(context.Context){s.writePump, s.readLoop, s.fanMessages, s.fanJoins}

	var wg sync.WaitGroup
	wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer wg.Done()
			defer cancel()
			loop(ctx)
		}()
	}
	wg.Wait()
}

// readLoop consumes inbound text frames: rate limit, spam limit, filter,
// echo, publish.
func (s *session) readLoop(ctx context.Context) {
	for {
		payload, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				s.log.Debug().Msg("Client closed the connection")
			} else if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}
		if op != ws.OpText {
			s.log.Info().Msg("Kicking user for non-text frame")
			monitoring.KicksTotal.WithLabelValues("protocol").Inc()
			s.requestClose(ws.StatusUnsupportedData, "No non-text messages.")
			return
		}

		content := strings.ToValidUTF8(string(payload), "�")

		if !s.rate.Update() {
			s.log.Info().Msg("Kicking user for flooding")
			monitoring.KicksTotal.WithLabelValues("rate_limit").Inc()
			s.requestClose(ws.StatusInternalServerError, "Too many messages.")
			return
		}
		if !s.spam.Update(content) {
			s.log.Info().Msg("Kicking user for spamming")
			monitoring.KicksTotal.WithLabelValues("spam").Inc()
			s.requestClose(ws.StatusInternalServerError, "Please do not spam.")
			return
		}

		out, verdict := s.filter.Apply(content)
		switch verdict {
		case filter.VerdictInvalid:
			continue
		case filter.VerdictKillMe:
			s.log.Debug().Msg("User asked to be disconnected")
			s.requestClose(ws.StatusNormalClosure, "")
			return
		case filter.VerdictBlockMe:
			s.log.Info().Msg("User blocked themselves")
			s.blocked = true
			continue
		case filter.VerdictMessage:
		}

		m := Message{
			SenderID:  s.handle.User.ID,
			Sender:    s.handle.User.Name,
			Timestamp: wire.MinuteTimestamp(time.Now()),
			Content:   out,
		}

		// Echo straight back, then fan out. The session drops its own
		// copy from the messages subscription by sender id.
		echo := wire.Message{SenderID: m.SenderID, Timestamp: m.Timestamp, Content: m.Content}
		if !s.enqueue(ctx, echo.Encode()) {
			return
		}
		if s.blocked {
			continue
		}
		if err := s.handle.Publish(m); err != nil {
			return
		}
	}
}

// writePump is the sole writer after the Setup frame. It batches queued
// frames, pings on an interval, and writes the close frame for kicks. It
// owns closing the socket.
func (s *session) writePump(ctx context.Context) {
	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpBinary, frame); err != nil {
				s.log.Debug().Err(err).Msg("Write failed")
				return
			}
			// batch whatever else is already queued into one flush
			for n := len(s.send); n > 0; n-- {
				if err := wsutil.WriteServerMessage(writer, ws.OpBinary, <-s.send); err != nil {
					s.log.Debug().Err(err).Msg("Write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.log.Debug().Err(err).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.log.Debug().Err(err).Msg("Ping failed")
				return
			}

		case note := <-s.kick:
			s.writeClose(note)
			return

		case <-ctx.Done():
			// a kick can race the cancel; its close frame still goes out
			select {
			case note := <-s.kick:
				s.writeClose(note)
			default:
			}
			return
		}
	}
}

// fanMessages forwards hub messages from other senders to the socket.
func (s *session) fanMessages(ctx context.Context) {
	for {
		m, err := s.handle.Messages.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				s.log.Error().
					Uint64("missed", lag.Missed).
					Msg("Message stream lagged. Messages lost")
				monitoring.BroadcastLaggedTotal.WithLabelValues("messages").Inc()
				continue
			}
			if errors.Is(err, ErrClosed) {
				s.requestClose(ws.StatusGoingAway, "Server shutting down.")
			}
			return
		}
		if m.SenderID == s.handle.User.ID {
			continue
		}
		frame := wire.Message{SenderID: m.SenderID, Timestamp: m.Timestamp, Content: m.Content}
		if !s.enqueue(ctx, frame.Encode()) {
			return
		}
	}
}

// fanJoins forwards join announcements for other users to the socket.
func (s *session) fanJoins(ctx context.Context) {
	for {
		u, err := s.handle.Joins.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				s.log.Error().
					Uint64("missed", lag.Missed).
					Msg("Join stream lagged. Joins lost")
				monitoring.BroadcastLaggedTotal.WithLabelValues("joins").Inc()
				continue
			}
			if errors.Is(err, ErrClosed) {
				s.requestClose(ws.StatusGoingAway, "Server shutting down.")
			}
			return
		}
		if u.ID == s.handle.User.ID {
			continue
		}
		if !s.enqueue(ctx, wire.UserJoin{ID: u.ID, Name: u.Name}.Encode()) {
			return
		}
	}
}

func (s *session) enqueue(ctx context.Context, frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// requestClose asks the write pump to end the session with a close
// frame. The first request wins.
func (s *session) requestClose(code ws.StatusCode, reason string) {
	select {
	case s.kick <- closeNote{code: code, reason: reason}:
	default:
	}
}

func (s *session) writeClose(note closeNote) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	closeBody := ws.NewCloseFrameBody(note.code, note.reason)
	if err := ws.WriteFrame(s.conn, ws.NewCloseFrame(closeBody)); err != nil {
		s.log.Debug().Err(err).Msg("Close frame write failed")
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
