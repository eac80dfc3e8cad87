package wot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

type DeliveryResult int

const (
	DeliverySuccess DeliveryResult = iota
	// the subscriber reported a processing failure. Retried under the
	// failure counter
	DeliveryFailure
	// transport-level disconnect. The client is deleted immediately,
	// no retry
	DeliveryDisconnected
)

// DeliveryTransport pushes one serialized notification to one client and
// waits for the subscriber's acknowledgment
type DeliveryTransport interface {
	Deliver(clientId Id, index uint64, payload []byte) DeliveryResult
}

type DeliveryJobSettings struct {
	// fixed delay, restarted on every new notification to coalesce bursts
	DebounceDelay time.Duration
	// delay before a failed client's queue is retried
	RetryDelay time.Duration
	// a client is deleted after this many consecutive processing failures
	MaxFailures int
}

func DefaultDeliveryJobSettings() *DeliveryJobSettings {
	return &DeliveryJobSettings{
		DebounceDelay: 1 * time.Second,
		RetryDelay:    15 * time.Second,
		MaxFailures:   5,
	}
}

// DeliveryJob is the background task that drains the per-client queues to
// the transport. It only reads immutable serialized snapshots and holds no
// graph-store lock while delivering, so slow client I/O never blocks
// mutation throughput
type DeliveryJob struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager   *SubscriptionManager
	transport DeliveryTransport

	settings *DeliveryJobSettings

	done chan struct{}
}

func NewDeliveryJobWithDefaults(ctx context.Context, manager *SubscriptionManager, transport DeliveryTransport) *DeliveryJob {
	return NewDeliveryJob(ctx, manager, transport, DefaultDeliveryJobSettings())
}

func NewDeliveryJob(ctx context.Context, manager *SubscriptionManager, transport DeliveryTransport, settings *DeliveryJobSettings) *DeliveryJob {
	cancelCtx, cancel := context.WithCancel(ctx)
	job := &DeliveryJob{
		ctx:       cancelCtx,
		cancel:    cancel,
		manager:   manager,
		transport: transport,
		settings:  settings,
		done:      make(chan struct{}),
	}
	go job.run()
	return job
}

func (self *DeliveryJob) run() {
	defer close(self.done)

	for {
		notify := self.manager.monitor.NotifyChannel()
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}

		// debounce
	debounce:
		for {
			notify = self.manager.monitor.NotifyChannel()
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				// restart the delay
			case <-time.After(self.settings.DebounceDelay):
				break debounce
			}
		}

		self.deliverAll()
	}
}

func (self *DeliveryJob) deliverAll() {
	retry := false
	for _, client := range self.manager.activeClients() {
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		if !self.deliverClient(client) {
			retry = true
		}
	}
	if retry {
		// reschedule the halted queues
		time.AfterFunc(self.settings.RetryDelay, self.manager.monitor.NotifyAll)
	}
}

// deliverClient drains one client's queue strictly in index order,
// synchronously per item. Returns false if delivery halted with items
// still queued
func (self *DeliveryJob) deliverClient(client *subscriptionClient) bool {
	for {
		// cancellation is checked between items, never mid-item
		select {
		case <-self.ctx.Done():
			return true
		default:
		}
		if !self.manager.isActive(client.clientId) {
			return true
		}

		notification := client.queue.PeekFirst()
		if notification == nil {
			return true
		}
		payload, err := json.Marshal(notification)
		if err != nil {
			glog.Warningf("[delivery]marshal error = %s\n", err)
			client.queue.RemoveFirst()
			continue
		}

		// an unexpected panic in the transport is a defect: logged and
		// retried under the failure counter
		result := DeliveryFailure
		HandleError(func() {
			result = self.transport.Deliver(client.clientId, notification.Index, payload)
		})

		switch result {
		case DeliverySuccess:
			client.queue.RemoveFirst()
			self.manager.resetFailures(client.clientId)
			glog.V(2).Infof("[delivery]%s ack %d\n", client.clientId, notification.Index)
		case DeliveryDisconnected:
			self.manager.teardownClient(client.clientId, "transport disconnected")
			return true
		case DeliveryFailure:
			failureCount := self.manager.countFailure(client.clientId)
			glog.Infof("[delivery]%s failure %d/%d\n", client.clientId, failureCount, self.settings.MaxFailures)
			if self.settings.MaxFailures <= failureCount {
				self.noticeUnsubscribed(client)
				self.manager.teardownClient(client.clientId, "too many delivery failures")
				return true
			}
			// halt this client's delivery for the current pass
			return false
		}
	}
}

// best-effort "you were unsubscribed" notice. The result is ignored
func (self *DeliveryJob) noticeUnsubscribed(client *subscriptionClient) {
	notice := &Notification{
		ClientId: client.clientId,
		Kind:     NotificationUnsubscribed,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	HandleError(func() {
		self.transport.Deliver(client.clientId, notice.Index, payload)
	})
}

// Close interrupts the delivery loop between items and blocks until the
// in-flight delivery attempt has actually stopped
func (self *DeliveryJob) Close() {
	self.cancel()
	<-self.done
}
