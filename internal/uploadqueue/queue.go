// Package uploadqueue provides the bounded FIFO that decouples session
// multiplexers (producers) from the upload worker pool (consumers).
package uploadqueue

import "path/filepath"

// Item is one pending file transfer. The payload buffer is owned by the
// item: the enqueueing multiplexer hands it over and exactly one worker
// takes it back out.
type Item struct {
	Filename string // basename only
	Payload  []byte
	Sender   string
	Target   string

	terminal bool
}

// NewItem builds a transfer item, reducing the filename to its basename.
func NewItem(filename string, payload []byte, sender, target string) *Item {
	return &Item{
		Filename: filepath.Base(filename),
		Payload:  payload,
		Sender:   sender,
		Target:   target,
	}
}

// Terminator returns the sentinel item that makes a worker exit its loop.
func Terminator() *Item {
	return &Item{terminal: true}
}

// Terminal reports whether the item is a shutdown sentinel.
func (it *Item) Terminal() bool {
	return it.terminal
}

// Size returns the payload length in bytes.
func (it *Item) Size() int {
	return len(it.Payload)
}

// Queue is a fixed-capacity FIFO safe for any number of producers and
// consumers. Enqueue blocks while full, Dequeue blocks while empty, and
// no item is ever observed by two consumers.
type Queue struct {
	ch chan *Item
}

// New returns a queue holding at most capacity items.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan *Item, capacity)}
}

// Enqueue installs the item at the tail, blocking until a slot is free.
// This is the backpressure point for senders: a session issuing
// /sendfile against a full queue parks here until a worker drains.
func (q *Queue) Enqueue(it *Item) {
	q.ch <- it
}

// TryEnqueue behaves as Enqueue but returns false immediately when the
// queue is full.
func (q *Queue) TryEnqueue(it *Item) bool {
	select {
	case q.ch <- it:
		return true
	default:
		return false
	}
}

// Dequeue removes and returns the head item, blocking until one exists.
// Ownership of the payload buffer transfers to the caller.
func (q *Queue) Dequeue() *Item {
	return <-q.ch
}

// IsFull is a point-in-time probe; the answer may be stale by the time
// the caller acts on it.
func (q *Queue) IsFull() bool {
	return len(q.ch) == cap(q.ch)
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
