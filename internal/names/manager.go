package names

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
)

var (
	ErrNameInvalid = errors.New("username invalid")
	ErrNameTaken   = errors.New("username taken")
)

const shardCount = 32

// normName is the normalized (case-folded, homoglyph-folded) form a name
// is reserved under. Two raw names that normalize equal collide.
type normName string

type slot struct {
	canon string // display form as last claimed
	owner UserId
}

type nameShard struct {
	mu    sync.Mutex
	slots map[normName]slot
}

type claimShard struct {
	mu     sync.Mutex
	queues map[UserId][]normName // front at index 0, most recent first
}

// Manager reserves usernames. A successful claim binds the normalized name
// to an identity and remembers it on that identity's LRU of recent names;
// names rotated off the LRU are released for anyone to claim.
//
// Both maps are sharded so claims only contend when they hash together.
type Manager struct {
	maxReserved int
	maxNameLen  int
	names       [shardCount]nameShard
	claims      [shardCount]claimShard
}

func NewManager(maxReserved, maxNameLen int) *Manager {
	m := &Manager{
		maxReserved: maxReserved,
		maxNameLen:  maxNameLen,
	}
	for i := range m.names {
		m.names[i].slots = make(map[normName]slot)
	}
	for i := range m.claims {
		m.claims[i].queues = make(map[UserId][]normName)
	}
	return m
}

// ClaimedName is a successful reservation: the display form plus the
// identity holding it.
type ClaimedName struct {
	name  string
	owner UserId
}

func (c ClaimedName) Name() string  { return c.name }
func (c ClaimedName) Owner() UserId { return c.owner }

// Claim reserves raw for owner. Returns ErrNameInvalid if the name does not
// normalize, ErrNameTaken if another identity holds it.
func (m *Manager) Claim(owner UserId, raw string) (ClaimedName, error) {
	canon := strings.TrimSpace(raw)
	norm, err := normalize(canon, m.maxNameLen)
	if err != nil {
		return ClaimedName{}, err
	}

	// Slot first: free, ours (refresh the display form), or taken.
	ns := m.nameShardFor(norm)
	ns.mu.Lock()
	if s, ok := ns.slots[norm]; ok && s.owner != owner {
		ns.mu.Unlock()
		return ClaimedName{}, ErrNameTaken
	}
	ns.slots[norm] = slot{canon: canon, owner: owner}
	ns.mu.Unlock()

	m.reserve(owner, norm)

	return ClaimedName{name: canon, owner: owner}, nil
}

// reserve rotates norm to the front of owner's LRU, releasing whatever
// falls off the back.
func (m *Manager) reserve(owner UserId, norm normName) {
	cs := m.claimShardFor(owner)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	q := cs.queues[owner]
	if len(q) > 0 && q[0] == norm {
		return
	}

	if len(q) >= m.maxReserved {
		popped := q[len(q)-1]
		q = q[:len(q)-1]
		// The popped entry may be a stale duplicate of the name being
		// claimed right now; releasing it then would free the slot we
		// just wrote.
		if popped != norm {
			m.release(owner, popped)
		}
	}

	next := make([]normName, 0, len(q)+1)
	next = append(next, norm)
	next = append(next, q...)
	cs.queues[owner] = next
}

// release frees norm if owner still holds it. Another identity may have
// legitimately claimed it in the meantime.
func (m *Manager) release(owner UserId, norm normName) {
	ns := m.nameShardFor(norm)
	ns.mu.Lock()
	if s, ok := ns.slots[norm]; ok && s.owner == owner {
		delete(ns.slots, norm)
	}
	ns.mu.Unlock()
}

// normalize maps a trimmed raw name to its reservation form. ASCII only,
// no control chars, no '@' (mention syntax), 2..maxLen bytes. Case folds
// to lower with 'I' folding to 'l' so visually identical names collide.
func normalize(trimmed string, maxLen int) (normName, error) {
	if len(trimmed) < 2 || len(trimmed) > maxLen {
		return "", ErrNameInvalid
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c >= 0x80 || c < 0x20 || c == 0x7f || c == '@' {
			return "", ErrNameInvalid
		}
		switch {
		case c == 'I':
			b.WriteByte('l')
		case 'A' <= c && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		default:
			b.WriteByte(c)
		}
	}

	return normName(b.String()), nil
}

func (m *Manager) nameShardFor(n normName) *nameShard {
	return &m.names[shardIndex([]byte(n))]
}

func (m *Manager) claimShardFor(u UserId) *claimShard {
	return &m.claims[shardIndex(u.id[:])]
}

func shardIndex(b []byte) int {
	h := fnv.New32a()
	h.Write(b)
	return int(h.Sum32() % shardCount)
}
