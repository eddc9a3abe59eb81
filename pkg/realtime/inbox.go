package realtime

import "sync"

// Inbox is the inbound half shared by transport implementations. A single
// receive goroutine delivers messages and finally calls Finish, which emits
// the terminal message and closes the stream exactly once.
type Inbox struct {
	ch   chan Message
	done <-chan struct{}
	once sync.Once
}

// NewInbox returns an inbox with a buffer of size messages. Deliveries give up
// once done is closed.
func NewInbox(size int, done <-chan struct{}) *Inbox {
	return &Inbox{ch: make(chan Message, size), done: done}
}

// Messages returns the consumer side of the stream.
func (b *Inbox) Messages() <-chan Message { return b.ch }

// Deliver queues m, blocking while the buffer is full. It returns false if
// done was closed first.
func (b *Inbox) Deliver(m Message) bool {
	select {
	case b.ch <- m:
		return true
	case <-b.done:
		return false
	}
}

// Finish delivers the terminal message m, unless done is already closed, and
// closes the stream. Only the first call has any effect.
func (b *Inbox) Finish(m Message) {
	b.once.Do(func() {
		select {
		case <-b.done:
		default:
			b.Deliver(m)
		}
		close(b.ch)
	})
}
