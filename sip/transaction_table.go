package sip

import (
	"iter"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipproxy/internal/syncutil"
)

// Table maps transaction keys to live transactions of one type.
//
// Tables are mutated only by transactions on the event loop. Reads from other
// goroutines (metrics, debugging) are safe.
type Table[K comparable, T Transaction] struct {
	typ      TransactionType
	m        syncutil.RWMap[K, T]
	onChange func(TransactionType, int)
}

// NewTable creates an empty table.
// onChange is optional and called with the new table size after each change.
func NewTable[K comparable, T Transaction](typ TransactionType, onChange func(TransactionType, int)) *Table[K, T] {
	return &Table[K, T]{typ: typ, onChange: onChange}
}

// Get returns the transaction stored under the key.
func (t *Table[K, T]) Get(key K) (T, bool) {
	if t == nil {
		var zero T
		return zero, false
	}
	return t.m.Get(key)
}

// Insert registers the transaction. It fails with [ErrTransactionExists]
// when another transaction is stored under the key.
func (t *Table[K, T]) Insert(key K, tx T) error {
	if _, ok := t.m.SetIfAbsent(key, tx); !ok {
		return errtrace.Wrap(ErrTransactionExists)
	}
	t.changed()
	return nil
}

// Remove unregisters tx. Nothing happens when the key is held by another transaction.
func (t *Table[K, T]) Remove(key K, tx T) bool {
	if !t.m.DelIf(key, func(cur T) bool { return Transaction(cur) == Transaction(tx) }) {
		return false
	}
	t.changed()
	return true
}

// Len returns the number of live transactions.
func (t *Table[K, T]) Len() int {
	if t == nil {
		return 0
	}
	return t.m.Len()
}

// All iterates over a snapshot of the table.
func (t *Table[K, T]) All() iter.Seq2[K, T] { return t.m.All() }

func (t *Table[K, T]) changed() {
	if t.onChange != nil {
		t.onChange(t.typ, t.m.Len())
	}
}

func (t *Table[K, T]) register(key K, tx T, base *baseTransact) error {
	if t == nil {
		return nil
	}
	if err := t.Insert(key, tx); err != nil {
		return errtrace.Wrap(err)
	}
	base.remove = func() { t.Remove(key, tx) }
	return nil
}

// Tables holds the four transaction tables of a server.
type Tables struct {
	InviteClient    *Table[ClientTransactionKey, *InviteClientTransaction]
	NonInviteClient *Table[ClientTransactionKey, *NonInviteClientTransaction]
	InviteServer    *Table[ServerTransactionKey, *InviteServerTransaction]
	NonInviteServer *Table[ServerTransactionKey, *NonInviteServerTransaction]
}

// NewTables creates empty tables. onChange is passed to every table.
func NewTables(onChange func(TransactionType, int)) *Tables {
	return &Tables{
		InviteClient:    NewTable[ClientTransactionKey, *InviteClientTransaction](TransactionTypeClientInvite, onChange),
		NonInviteClient: NewTable[ClientTransactionKey, *NonInviteClientTransaction](TransactionTypeClientNonInvite, onChange),
		InviteServer:    NewTable[ServerTransactionKey, *InviteServerTransaction](TransactionTypeServerInvite, onChange),
		NonInviteServer: NewTable[ServerTransactionKey, *NonInviteServerTransaction](TransactionTypeServerNonInvite, onChange),
	}
}

// ClientTransaction looks up the client transaction a response belongs to.
func (ts *Tables) ClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	if ts == nil {
		return nil, false
	}
	if key.Method == RequestMethodInvite {
		if tx, ok := ts.InviteClient.Get(key); ok {
			return tx, true
		}
		return nil, false
	}
	if tx, ok := ts.NonInviteClient.Get(key); ok {
		return tx, true
	}
	return nil, false
}

// ServerTransaction looks up the server transaction a request belongs to.
func (ts *Tables) ServerTransaction(key ServerTransactionKey) (ServerTransaction, bool) {
	if ts == nil {
		return nil, false
	}
	if key.Method == RequestMethodInvite {
		if tx, ok := ts.InviteServer.Get(key); ok {
			return tx, true
		}
		return nil, false
	}
	if tx, ok := ts.NonInviteServer.Get(key); ok {
		return tx, true
	}
	return nil, false
}

// Len returns the number of live transactions in all tables.
func (ts *Tables) Len() int {
	if ts == nil {
		return 0
	}
	return ts.InviteClient.Len() + ts.NonInviteClient.Len() + ts.InviteServer.Len() + ts.NonInviteServer.Len()
}
