package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sprksoft/smppgc/internal/config"
	"github.com/sprksoft/smppgc/internal/monitoring"
	"github.com/sprksoft/smppgc/internal/names"
)

// broadcastBuffer is the ring capacity of the three fan-out channels.
// Slow sessions lag and lose entries instead of growing the buffer.
const broadcastBuffer = 20

// ErrChatFull is returned by NewClient when the roster is at max_users.
var ErrChatFull = errors.New("chat full")

// Hub owns the room: the roster, the bounded history, and the broadcast
// channels every session fans in and out of. Roster and history are
// mutated only by the hub's own reconcile loops; sessions read them
// through snapshots.
type Hub struct {
	log      zerolog.Logger
	maxUsers int
	ids      *IdCounter

	mu      sync.Mutex
	roster  map[uint16]UserInfo
	history *DropVec[Message]

	messages *Channel[Message]
	joins    *Channel[UserInfo]
	leaves   *Channel[UserInfo]

	// reconcile subscriptions, created up front so no early event is
	// missed between NewHub and Run
	historySub *Subscriber[Message]
	leaveSub   *Subscriber[UserInfo]
}

func NewHub(conf *config.Config, logger zerolog.Logger) *Hub {
	h := &Hub{
		log:      logger.With().Str("component", "hub").Logger(),
		maxUsers: conf.MaxUsers,
		ids:      NewIdCounter(),
		roster:   make(map[uint16]UserInfo),
		history:  NewDropVec[Message](conf.MaxStoredMessages),
		messages: NewChannel[Message](broadcastBuffer),
		joins:    NewChannel[UserInfo](broadcastBuffer),
		leaves:   NewChannel[UserInfo](broadcastBuffer),
	}
	h.historySub = h.messages.Subscribe()
	h.leaveSub = h.leaves.Subscribe()
	return h
}

// Run drives the reconcile loops until ctx is canceled or the hub is
// closed.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.historyLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		h.rosterLoop(ctx)
	}()
	wg.Wait()
}

// Close shuts the broadcast channels down. Sessions observe the close on
// their subscriptions and unwind.
func (h *Hub) Close() {
	h.messages.Close()
	h.joins.Close()
	h.leaves.Close()
}

// historyLoop moves accepted messages into the history ring.
func (h *Hub) historyLoop(ctx context.Context) {
	for {
		m, err := h.historySub.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				h.log.Error().
					Uint64("missed", lag.Missed).
					Msg("History reconcile lagged. Messages lost")
				monitoring.BroadcastLaggedTotal.WithLabelValues("messages").Inc()
				continue
			}
			return
		}
		h.mu.Lock()
		h.history.Push(m)
		h.mu.Unlock()
		monitoring.MessagesTotal.Inc()
	}
}

// rosterLoop removes departed users from the roster.
func (h *Hub) rosterLoop(ctx context.Context) {
	for {
		u, err := h.leaveSub.Recv(ctx)
		if err != nil {
			var lag *LaggedError
			if errors.As(err, &lag) {
				h.log.Error().
					Uint64("missed", lag.Missed).
					Msg("Leave reconcile lagged. Ghosts will appear")
				monitoring.BroadcastLaggedTotal.WithLabelValues("leaves").Inc()
				continue
			}
			return
		}
		h.mu.Lock()
		delete(h.roster, u.ID)
		monitoring.SessionsActive.Set(float64(len(h.roster)))
		h.mu.Unlock()
		monitoring.LeftTotal.Inc()
		h.log.Debug().
			Uint16("id", u.ID).
			Str("username", u.Name).
			Msg("User left")
	}
}

// NewClient admits a user into the room: allocates a session id,
// subscribes the session to messages and joins, announces the join, and
// inserts the user into the roster.
func (h *Hub) NewClient(claimed names.ClaimedName) (*SessionHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxUsers != 0 && len(h.roster) >= h.maxUsers {
		return nil, ErrChatFull
	}

	info := UserInfo{ID: h.ids.Next(), Name: claimed.Name()}
	sh := &SessionHandle{
		User:     info,
		hub:      h,
		Messages: h.messages.Subscribe(),
		Joins:    h.joins.Subscribe(),
	}

	// The session's own join lands on its fresh subscription too; the
	// session drops it by sender id.
	_ = h.joins.Send(info)

	h.roster[info.ID] = info
	monitoring.SessionsActive.Set(float64(len(h.roster)))
	monitoring.JoinedTotal.Inc()
	h.log.Debug().
		Uint16("id", info.ID).
		Str("username", info.Name).
		Msg("User joined")
	return sh, nil
}

// RosterSnapshot returns the current roster. The order is unspecified.
func (h *Hub) RosterSnapshot() []UserInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]UserInfo, 0, len(h.roster))
	for _, u := range h.roster {
		out = append(out, u)
	}
	return out
}

// HistorySnapshot returns stored messages oldest first.
func (h *Hub) HistorySnapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Items()
}

// ClientCount returns the current roster size.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.roster)
}

// SessionHandle is a session's narrow view of the hub: its identity in
// the room, its two subscriptions, and the obligation to announce its
// leave exactly once.
type SessionHandle struct {
	User     UserInfo
	Messages *Subscriber[Message]
	Joins    *Subscriber[UserInfo]

	hub       *Hub
	leaveOnce sync.Once
}

// Publish fans a message out to every session and the history loop.
func (sh *SessionHandle) Publish(m Message) error {
	return sh.hub.messages.Send(m)
}

// Close announces the leave. Safe to call more than once; only the
// first call emits.
func (sh *SessionHandle) Close() {
	sh.leaveOnce.Do(func() {
		if err := sh.hub.leaves.Send(sh.User); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			sh.hub.log.Error().
				Err(err).
				Uint16("id", sh.User.ID).
				Str("username", sh.User.Name).
				Msg("Leave announcement failed. Ghosts will appear")
		}
	})
}
