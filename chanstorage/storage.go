// Package chanstorage implements the time-based fallback scheduler that
// backs ClientState.StoreChannelInWallet and ServerState.StoreChannelInWallet:
// once a channel has been handed off, Storage rebroadcasts its fallback
// transaction(s) at the right deadline even if nothing else in the process
// ever calls back into it again.
package chanstorage

import (
	"container/heap"
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/go-paychan/paychan/channel"
	"github.com/go-paychan/paychan/clock"
	"github.com/go-paychan/paychan/ticker"
)

// Entry is the contract a tracked channel must satisfy. It is an alias for
// channel.StorageEntry, which ClientState.StoreChannelInWallet and
// ServerState.StoreChannelInWallet hand to Store.
type Entry = channel.StorageEntry

// entryWithDeadline couples an Entry with the deadline it was scheduled at,
// so the heap can order by deadline without re-calling Entry.Deadline on
// every comparison (which, for a live channel, recomputes from its current
// locked state).
type entryWithDeadline struct {
	entry    Entry
	deadline int64
	index    int // heap.Interface bookkeeping
}

// entryHeap is a min-heap of entryWithDeadline ordered by deadline, modeled
// on the distanceHeap in lnd's routing package: a heap.Interface
// implementation lets Storage always peek the
// single soonest-due entry in O(1) and re-heapify in O(log n), instead of
// re-scanning every tracked entry on every tick.
type entryHeap struct {
	entries []*entryWithDeadline
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	return h.entries[i].deadline < h.entries[j].deadline
}

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*entryWithDeadline)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]

	return e
}

// Storage tracks every handed-off channel and rebroadcasts its fallback
// transaction once the channel's deadline passes. It polls on a
// ticker.Ticker rather than arming one timer per entry, the same tradeoff
// lnd's Rebroadcaster makes: a single periodic scan is simpler to
// reason about and test than a heap of live timers, at the cost of up to
// one poll interval of slack on each deadline.
type Storage struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[string]*entryWithDeadline
	clock   clock.Clock
	ticker  ticker.Ticker
	bcaster channel.Broadcaster

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a Storage that rebroadcasts through bcaster, polling on
// ticker and measuring deadlines against clk.
func New(bcaster channel.Broadcaster, clk clock.Clock,
	tick ticker.Ticker) *Storage {

	return &Storage{
		byID:    make(map[string]*entryWithDeadline),
		clock:   clk,
		ticker:  tick,
		bcaster: bcaster,
		quit:    make(chan struct{}),
	}
}

// Store begins tracking entry. If an entry with the same ID is already
// tracked, it is replaced: the common case is a channel being re-stored
// after its payment state advanced, and the newest version should win.
func (s *Storage) Store(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.ID()
	if existing, ok := s.byID[id]; ok {
		heap.Remove(&s.heap, existing.index)
		delete(s.byID, id)
	}

	ewd := &entryWithDeadline{entry: entry, deadline: entry.Deadline()}
	heap.Push(&s.heap, ewd)
	s.byID[id] = ewd

	log.Debugf("chanstorage: tracking entry %s, deadline %d", id, ewd.deadline)
}

// Remove stops tracking the entry with the given ID, if any. It is safe to
// call on an ID that isn't tracked.
func (s *Storage) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		return
	}

	heap.Remove(&s.heap, existing.index)
	delete(s.byID, id)
}

// Len reports how many entries are currently tracked.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heap.Len()
}

// Start launches the background polling loop. It returns immediately;
// call Stop to shut it down.
func (s *Storage) Start() {
	s.wg.Add(1)
	go s.pollLoop()
}

// Stop terminates the polling loop and waits for it to exit.
func (s *Storage) Stop() {
	close(s.quit)
	s.ticker.Stop()
	s.wg.Wait()
}

func (s *Storage) pollLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.Ticks():
			s.ProcessDue()

		case <-s.quit:
			return
		}
	}
}

// ProcessDue broadcasts the fallback transactions of every entry whose
// deadline is at or before the current time, removing each from tracking
// as it's processed. It is exported so tests (and callers that prefer to
// drive Storage manually rather than via a ticker) can invoke a single
// scan synchronously.
func (s *Storage) ProcessDue() {
	now := s.clock.Now().Unix()

	for {
		due, ok := s.popDue(now)
		if !ok {
			return
		}

		s.broadcastFallback(due)
	}
}

// popDue removes and returns the soonest-due entry if its deadline has
// passed, without broadcasting it.
func (s *Storage) popDue(now int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return nil, false
	}

	next := s.heap.entries[0]
	if next.deadline > now {
		return nil, false
	}

	heap.Pop(&s.heap)
	delete(s.byID, next.entry.ID())

	return next.entry, true
}

func (s *Storage) broadcastFallback(entry Entry) {
	txs, err := entry.Fallback()
	if err != nil {
		log.Errorf("chanstorage: entry %s has no usable fallback: %v",
			entry.ID(), err)
		return
	}

	s.broadcastSequentially(entry, txs)
}

// broadcastSequentially submits txs to the network in order, waiting for
// each to settle before attempting the next (a refund's second
// transaction typically spends an output the first one creates, so
// broadcasting out of order would simply be rejected). A rejection is
// reported back to entry, driving its owning state machine to ERROR, and
// stops the sequence: the remaining txs are never sent.
func (s *Storage) broadcastSequentially(entry Entry, txs []*wire.MsgTx) {
	ctx := context.Background()
	id := entry.ID()

	for i, tx := range txs {
		future := s.bcaster.Broadcast(tx)

		if _, err := future.Await(ctx); err != nil {
			log.Errorf("chanstorage: entry %s fallback tx %d/%d "+
				"rejected: %v", id, i+1, len(txs), err)
			entry.HandleBroadcastFailure(err)
			return
		}

		log.Infof("chanstorage: entry %s fallback tx %d/%d accepted",
			id, i+1, len(txs))
	}
}
