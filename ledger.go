package rowan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rowan-db/rowan/common"
)

// BindingOp is the kind of deferred relation operation.
type BindingOp string

const (
	OpBind   BindingOp = "bind"
	OpUnbind BindingOp = "unbind"
	OpInsert BindingOp = "insert"
)

// BindingEntry is one pending relation operation recorded under a session
// token until the owning record has a persisted identity.
type BindingEntry struct {
	Token    string
	Relation string
	Op       BindingOp
	// TargetKey is the related row's identity for bind/unbind.
	TargetKey int64
	// Payload is the attribute set for insert operations.
	Payload map[string]interface{}
	// BeforeParent marks entries replayed before the parent row is written.
	// Most bindings need the parent identity first and run after persist;
	// belongsTo operations mutate the owner's foreign key and run before.
	BeforeParent bool

	Seq uint64
	At  time.Time
}

// Ledger records pending relation operations keyed by session token. Entries
// for a token commit in insertion order and are removed exactly once, either
// in the before-persist or the after-persist pass.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]*BindingEntry
	seq     uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string][]*BindingEntry)}
}

// Append records a pending operation under a token.
func (l *Ledger) Append(token, relation string, op BindingOp, targetKey int64, payload map[string]interface{}, beforeParent bool) *BindingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := &BindingEntry{
		Token:        token,
		Relation:     relation,
		Op:           op,
		TargetKey:    targetKey,
		Payload:      payload,
		BeforeParent: beforeParent,
		Seq:          l.seq,
		At:           time.Now(),
	}
	l.entries[token] = append(l.entries[token], e)
	return e
}

// Pending returns a copy of the pending entries for a token, in insertion
// order.
func (l *Ledger) Pending(token string) []*BindingEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*BindingEntry(nil), l.entries[token]...)
}

// remove drops a single committed entry.
func (l *Ledger) remove(e *BindingEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.entries[e.Token]
	for i, cur := range pending {
		if cur.Seq == e.Seq {
			l.entries[e.Token] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(l.entries[e.Token]) == 0 {
		delete(l.entries, e.Token)
	}
}

// commitBindings replays a token's ledger entries against storage. The pre
// pass runs immediately before the owning row is written, the post pass
// immediately after a successful persist. Each successfully replayed entry is
// removed; a failing entry stays pending along with everything after it, so a
// later save under the same token retries from the failure point.
func (m *Mapper) commitBindings(ctx context.Context, token string, rec *Record, pre bool) error {
	for _, e := range m.ledger.Pending(token) {
		if e.BeforeParent != pre {
			continue
		}
		def, ok := rec.relationDef(e.Relation)
		if !ok {
			return fmt.Errorf("%w: deferred %s on %q", common.ErrRelationNotDefined, e.Op, e.Relation)
		}
		var err error
		switch e.Op {
		case OpBind:
			err = m.bindNow(ctx, rec, def, e.TargetKey)
		case OpUnbind:
			err = m.unbindNow(ctx, rec, def, e.TargetKey)
		case OpInsert:
			err = m.insertRelatedNow(ctx, rec, def, e.Payload)
		default:
			err = fmt.Errorf("rowan: unknown binding op %q", e.Op)
		}
		if err != nil {
			return fmt.Errorf("commit binding %s on %q: %w", e.Op, e.Relation, err)
		}
		m.ledger.remove(e)
	}
	return nil
}
