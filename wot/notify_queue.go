package wot

import (
	"container/heap"
	"sync"
)

// per-client notification queue ordered by the client's notification index
type notifyQueue struct {
	orderedItems []*Notification
	stateLock    sync.Mutex
}

func newNotifyQueue() *notifyQueue {
	queue := &notifyQueue{
		orderedItems: []*Notification{},
	}
	heap.Init(queue)
	return queue
}

func (self *notifyQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *notifyQueue) Add(notification *Notification) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	heap.Push(self, notification)
}

func (self *notifyQueue) PeekFirst() *Notification {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *notifyQueue) RemoveFirst() *Notification {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return heap.Remove(self, 0).(*Notification)
}

// RemoveTopic drops every still-queued notification of one topic.
// Used by unsubscribe
func (self *notifyQueue) RemoveTopic(topic Topic) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// heap.Remove mid-scan can sift the swapped-in tail above the scan
	// position, so filter and re-init instead
	kept := []*Notification{}
	for _, notification := range self.orderedItems {
		if notification.Topic != topic {
			kept = append(kept, notification)
		}
	}
	removed := len(self.orderedItems) - len(kept)
	self.orderedItems = kept
	for i, notification := range self.orderedItems {
		notification.heapIndex = i
	}
	heap.Init(self)
	return removed
}

// heap.Interface

func (self *notifyQueue) Push(x any) {
	notification := x.(*Notification)
	notification.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, notification)
}

func (self *notifyQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	notification := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return notification
}

// sort.Interface

func (self *notifyQueue) Len() int {
	return len(self.orderedItems)
}

func (self *notifyQueue) Less(i int, j int) bool {
	return self.orderedItems[i].Index < self.orderedItems[j].Index
}

func (self *notifyQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
