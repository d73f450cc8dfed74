// Package signals is a tiny in-process pubsub used to wake the scheduler
// early when a confirmation just enqueued new drip items, instead of
// waiting out the tick interval. Delivery is best effort, a listener that
// already has a pending wakeup is not signalled again.
package signals

import (
	"sync"
)

type Signal string

const NewItemsInQueue Signal = "new-items-in-queue"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
