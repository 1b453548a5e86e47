package types

// The buffer size of the primitive input and output chans.
const elasticChanSize = 3

// ElasticChan is a channel with an unbounded intermediate buffer.
// Sends on In never block for long: a management goroutine drains In
// into a dynamic buffer and feeds Out in FIFO order. Closing In shuts
// the channel down; buffered elements are flushed to Out before Out
// is closed.
type ElasticChan[T any] struct {
	In  chan T
	Out chan T

	buffer []T
}

// NewElasticChan creates the channel and starts its management goroutine.
func NewElasticChan[T any]() *ElasticChan[T] {
	c := &ElasticChan[T]{
		In:  make(chan T, elasticChanSize),
		Out: make(chan T, elasticChanSize),
	}
	go c.manage()
	return c
}

// Close stops the channel. Pending elements are still delivered on Out,
// then Out is closed.
func (c *ElasticChan[T]) Close() {
	close(c.In)
}

func (c *ElasticChan[T]) manage() {
	defer c.dispose()

	for {
		if len(c.buffer) > 0 {
			// Receive first in order to minimize blocked sends on In.
			select {
			case in, ok := <-c.In:
				if !ok {
					return
				}
				c.buffer = append(c.buffer, in)
			case c.Out <- c.buffer[0]:
				c.buffer = c.buffer[1:]
			}
		} else {
			in, ok := <-c.In
			if !ok {
				return
			}
			c.buffer = append(c.buffer, in)
		}
	}
}

func (c *ElasticChan[T]) dispose() {
	for len(c.buffer) > 0 {
		c.Out <- c.buffer[0]
		c.buffer = c.buffer[1:]
	}
	close(c.Out)
}
