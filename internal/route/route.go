// Package route implements the router's address book: a concurrent map
// from (entity type, entity id) to a live transport handle, sharded the way
// the teacher pack shards its connection table to avoid a single
// global-lock throughput ceiling.
package route

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"uaip-hub/internal/envelope"
	"uaip-hub/internal/transport"
)

// Entry is what a recipient registers: the transport to send through and
// whether the recipient is currently considered live. A reader that grabs
// an Entry holds enough of a reference to complete a send even if
// Unregister races it immediately after; Send failures on a stale handle
// are the caller's problem to detect, not this table's.
type Entry struct {
	Transport transport.Transport
	Online    bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Member identifies one entity inside a broadcast group.
type Member struct {
	Type envelope.EntityType
	ID   string
}

// Table is the sharded route table. Default shard count mirrors the
// teacher's session hub default of 64.
type Table struct {
	shards []shard
	count  int64

	groupsMu sync.RWMutex
	groups   map[string][]Member
}

const defaultShardCount = 64

// New constructs a Table. shardCount <= 0 uses the default.
func New(shardCount int) *Table {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]shard, shardCount)
	for i := range shards {
		shards[i].entries = make(map[string]Entry)
	}
	return &Table{shards: shards, groups: make(map[string][]Member)}
}

// RegisterGroupMember adds an entity to a named broadcast group. Group
// membership is registered rarely compared to the send-hot-path lookups, so
// it holds its own lock separate from the sharded route entries.
func (t *Table) RegisterGroupMember(groupID string, member Member) {
	t.groupsMu.Lock()
	defer t.groupsMu.Unlock()
	for _, m := range t.groups[groupID] {
		if m == member {
			return
		}
	}
	t.groups[groupID] = append(t.groups[groupID], member)
}

// UnregisterGroupMember removes an entity from a named broadcast group.
func (t *Table) UnregisterGroupMember(groupID string, member Member) {
	t.groupsMu.Lock()
	defer t.groupsMu.Unlock()
	members := t.groups[groupID]
	for i, m := range members {
		if m == member {
			t.groups[groupID] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// GroupMembers returns the entities registered under a broadcast group.
func (t *Table) GroupMembers(groupID string) []Member {
	t.groupsMu.RLock()
	defer t.groupsMu.RUnlock()
	out := make([]Member, len(t.groups[groupID]))
	copy(out, t.groups[groupID])
	return out
}

func key(t envelope.EntityType, id string) string {
	return string(t) + ":" + id
}

func (t *Table) pickShard(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Register records a transport handle for an entity and marks it online.
func (t *Table) Register(entityType envelope.EntityType, entityID string, tr transport.Transport) {
	k := key(entityType, entityID)
	s := t.pickShard(k)
	s.mu.Lock()
	_, existed := s.entries[k]
	s.entries[k] = Entry{Transport: tr, Online: true}
	s.mu.Unlock()
	if !existed {
		atomic.AddInt64(&t.count, 1)
	}
}

// Unregister removes an entity's route entirely.
func (t *Table) Unregister(entityType envelope.EntityType, entityID string) {
	k := key(entityType, entityID)
	s := t.pickShard(k)
	s.mu.Lock()
	_, existed := s.entries[k]
	delete(s.entries, k)
	s.mu.Unlock()
	if existed {
		atomic.AddInt64(&t.count, -1)
	}
}

// SetOnline updates liveness without dropping the transport handle; the
// heartbeat tracker calls this on status transitions instead of a full
// register/unregister cycle.
func (t *Table) SetOnline(entityType envelope.EntityType, entityID string, online bool) {
	k := key(entityType, entityID)
	s := t.pickShard(k)
	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		e.Online = online
		s.entries[k] = e
	}
	s.mu.Unlock()
}

// Lookup returns the route entry for an entity, if any.
func (t *Table) Lookup(entityType envelope.EntityType, entityID string) (Entry, bool) {
	k := key(entityType, entityID)
	s := t.pickShard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// HasRoute reports whether an entity has any registered route, regardless
// of online status.
func (t *Table) HasRoute(entityType envelope.EntityType, entityID string) bool {
	_, ok := t.Lookup(entityType, entityID)
	return ok
}

// Count returns the number of registered routes across all shards.
func (t *Table) Count() int {
	return int(atomic.LoadInt64(&t.count))
}

// BroadcastGroup returns every online entity of the given type. The router's
// broadcast fan-out does not use it; it resolves named groups through
// GroupMembers.
func (t *Table) BroadcastGroup(entityType envelope.EntityType) []string {
	var ids []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for k, e := range s.entries {
			if !e.Online {
				continue
			}
			if typ, id := splitKey(k); typ == entityType {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()
	}
	return ids
}

func splitKey(k string) (envelope.EntityType, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return envelope.EntityType(k[:i]), k[i+1:]
		}
	}
	return "", k
}
