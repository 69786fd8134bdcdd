package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/sprksoft/smppgc/internal/wire"
)

type counters struct {
	active       atomic.Int64
	connected    atomic.Int64
	failed       atomic.Int64
	closed       atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	joinsSeen    atomic.Int64
}

// bufferedConn folds the leftover handshake buffer from ws.Dial back
// into the connection's read path.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

var lines = []string{
	"hey",
	"anyone here?",
	"lol",
	"what did I miss",
	"brb",
	"same",
	"nice",
	"ok but why",
}

func main() {
	var (
		endpoint    = flag.String("url", "ws://localhost:3002/socket/v1", "chat websocket endpoint")
		clients     = flag.Int("clients", 50, "number of concurrent chat sessions")
		rampRate    = flag.Int("ramp-rate", 25, "sessions opened per second")
		talkEvery   = flag.Duration("talk-every", 3*time.Second, "message interval per session, 0 to lurk")
		duration    = flag.Duration("duration", 60*time.Second, "how long to keep sessions open, 0 for until interrupt")
		reportEvery = flag.Duration("report-every", 10*time.Second, "stats report interval")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	logger.Info().
		Str("url", *endpoint).
		Int("clients", *clients).
		Int("ramp_rate", *rampRate).
		Dur("talk_every", *talkEvery).
		Dur("duration", *duration).
		Msg("Starting chat load")

	var stats counters
	var wg sync.WaitGroup

	go report(ctx, logger, &stats, *reportEvery)

	ramp := time.NewTicker(time.Second / time.Duration(max(*rampRate, 1)))
	defer ramp.Stop()

launch:
	for i := 0; i < *clients; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-ramp.C:
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runSession(ctx, logger, &stats, *endpoint, id, *talkEvery)
			}(i)
		}
	}

	<-ctx.Done()
	wg.Wait()

	logger.Info().
		Int64("connected", stats.connected.Load()).
		Int64("failed", stats.failed.Load()).
		Int64("closed_by_server", stats.closed.Load()).
		Int64("messages_sent", stats.messagesSent.Load()).
		Int64("messages_received", stats.messagesRecv.Load()).
		Int64("joins_seen", stats.joinsSeen.Load()).
		Msg("Load run finished")
}

func runSession(ctx context.Context, logger zerolog.Logger, stats *counters, endpoint string, id int, talkEvery time.Duration) {
	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	raw, br, _, err := ws.Dial(dctx, fmt.Sprintf("%s?username=load%04d", endpoint, id))
	dcancel()
	if err != nil {
		stats.failed.Add(1)
		logger.Debug().Err(err).Int("session", id).Msg("Dial failed")
		return
	}
	conn := net.Conn(raw)
	if br != nil {
		conn = bufferedConn{Conn: raw, r: br}
	}

	var closeOnce sync.Once
	shutdown := func() { closeOnce.Do(func() { conn.Close() }) }
	defer shutdown()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	go func() {
		// The server reconciles a dropped connection as a leave.
		<-sctx.Done()
		shutdown()
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := ws.ReadFrame(conn)
	if err != nil {
		stats.failed.Add(1)
		return
	}
	if first.Header.OpCode == ws.OpClose {
		code, reason := ws.ParseCloseFrameData(first.Payload)
		stats.failed.Add(1)
		logger.Warn().Int("session", id).Uint16("code", uint16(code)).Str("reason", reason).Msg("Rejected before setup")
		return
	}
	setup, err := wire.DecodeSetup(first.Payload)
	if err != nil {
		stats.failed.Add(1)
		logger.Warn().Err(err).Int("session", id).Msg("Bad setup frame")
		return
	}

	stats.connected.Add(1)
	stats.active.Add(1)
	defer stats.active.Add(-1)
	logger.Debug().
		Int("session", id).
		Uint16("session_id", setup.SessionID).
		Int("peers", len(setup.Clients)).
		Int("history", len(setup.History)).
		Msg("Session established")

	if talkEvery > 0 {
		go talk(sctx, conn, stats, talkEvery)
	}

	// The reader never writes. The server does not require pong replies,
	// so incoming pings can be dropped on the floor and the talker stays
	// the sole writer on this connection.
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		frame, err := ws.ReadFrame(conn)
		if err != nil {
			return
		}
		switch frame.Header.OpCode {
		case ws.OpBinary:
			kind, err := wire.Classify(frame.Payload)
			if err != nil {
				logger.Warn().Err(err).Int("session", id).Msg("Unreadable frame")
				continue
			}
			switch kind {
			case wire.KindMessage:
				stats.messagesRecv.Add(1)
			case wire.KindUserJoin:
				stats.joinsSeen.Add(1)
			}
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(frame.Payload)
			stats.closed.Add(1)
			logger.Debug().
				Int("session", id).
				Uint16("code", uint16(code)).
				Str("reason", reason).
				Msg("Server closed session")
			return
		}
	}
}

func talk(ctx context.Context, conn net.Conn, stats *counters, every time.Duration) {
	// Jitter spreads the first message so sessions do not fire in lockstep.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rand.Int63n(int64(every)))):
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for n := 0; ; n++ {
		// The counter suffix keeps consecutive messages distinct for the
		// repeat filter.
		text := fmt.Sprintf("%s #%d", lines[rand.Intn(len(lines))], n)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := wsutil.WriteClientText(conn, []byte(text)); err != nil {
			return
		}
		stats.messagesSent.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func report(ctx context.Context, logger zerolog.Logger, stats *counters, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Int64("active", stats.active.Load()).
				Int64("connected", stats.connected.Load()).
				Int64("failed", stats.failed.Load()).
				Int64("closed_by_server", stats.closed.Load()).
				Int64("messages_sent", stats.messagesSent.Load()).
				Int64("messages_received", stats.messagesRecv.Load()).
				Int64("joins_seen", stats.joinsSeen.Load()).
				Msg("Load status")
		}
	}
}
