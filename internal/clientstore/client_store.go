// Package clientstore tracks the set of currently connected clients on the
// server side: one record per client, created on transport-reported connect
// and removed on transport-reported disconnect. It also hands out the
// monotonically increasing client ids the stream transports assign during
// the handshake; id zero is reserved as the "server" sender tag.
package clientstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type DuplicateClientIdError struct {
	Id uint64
}

func (e *DuplicateClientIdError) Error() string {
	return fmt.Sprintf("Attempted to create client with duplicate ID %d", e.Id)
}

type MissingClientIdError struct {
	Id uint64
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%d", e.Id)
}

type TooManyClientsError struct{}

func (e *TooManyClientsError) Error() string {
	return "Too many clients are connected - cannot create new client"
}

type Record struct {
	ConnectedAt time.Time
	Address     string
}

type Store struct {
	MaxConnections int

	nextClientId atomic.Uint64

	mut     sync.RWMutex
	records map[uint64]Record
}

func CreateStore(maxConnections int) *Store {
	return &Store{
		MaxConnections: maxConnections,
		records:        make(map[uint64]Record),
	}
}

// NextClientId is never zero; zero tags server-originated messages.
func (store *Store) NextClientId() uint64 {
	return store.nextClientId.Add(1)
}

func (store *Store) Has(clientId uint64) bool {
	store.mut.RLock()
	defer store.mut.RUnlock()

	_, has := store.records[clientId]
	return has
}

func (store *Store) Add(clientId uint64, record Record) error {
	store.mut.Lock()
	defer store.mut.Unlock()

	if _, has := store.records[clientId]; has {
		return &DuplicateClientIdError{Id: clientId}
	}

	if store.MaxConnections > 0 && len(store.records) >= store.MaxConnections {
		return &TooManyClientsError{}
	}

	store.records[clientId] = record
	return nil
}

func (store *Store) Remove(clientId uint64) error {
	store.mut.Lock()
	defer store.mut.Unlock()

	if _, has := store.records[clientId]; !has {
		return &MissingClientIdError{Id: clientId}
	}
	delete(store.records, clientId)
	return nil
}

func (store *Store) Get(clientId uint64) (Record, error) {
	store.mut.RLock()
	defer store.mut.RUnlock()

	record, has := store.records[clientId]
	if !has {
		return Record{}, &MissingClientIdError{Id: clientId}
	}
	return record, nil
}

func (store *Store) Len() int {
	store.mut.RLock()
	defer store.mut.RUnlock()

	return len(store.records)
}

// Ids returns the connected client ids in no particular order.
func (store *Store) Ids() []uint64 {
	store.mut.RLock()
	defer store.mut.RUnlock()

	ids := make([]uint64, 0, len(store.records))
	for clientId := range store.records {
		ids = append(ids, clientId)
	}
	return ids
}

// Drain removes every record and returns the removed ids, for emitting one
// disconnect notice per previously-connected client on server stop.
func (store *Store) Drain() []uint64 {
	store.mut.Lock()
	defer store.mut.Unlock()

	ids := make([]uint64, 0, len(store.records))
	for clientId := range store.records {
		ids = append(ids, clientId)
	}
	store.records = make(map[uint64]Record)
	return ids
}
