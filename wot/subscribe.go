package wot

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"golang.org/x/exp/maps"
)

type ClientState int

const (
	ClientStateActive ClientState = iota
	// terminal, irreversible
	ClientStateDisconnected
)

type NotificationKind int

const (
	NotificationObjectChanged NotificationKind = iota
	// delimits the initial full-snapshot phase of a new subscription
	NotificationBeginSync
	NotificationEndSync
	// best-effort notice sent before a failing client is torn down
	NotificationUnsubscribed
)

// one entry of a client's notification stream. Old and New are immutable
// serialized snapshots, never live references, so they stay valid after the
// originating record is deleted. A nil Old means creation, a nil New means
// deletion
type Notification struct {
	ClientId Id               `json:"client_id"`
	Index    uint64           `json:"index"`
	Kind     NotificationKind `json:"kind"`
	Topic    Topic            `json:"topic"`
	SyncTag  string           `json:"sync_tag,omitempty"`
	Old      json.RawMessage  `json:"old,omitempty"`
	New      json.RawMessage  `json:"new,omitempty"`

	heapIndex int
}

// wire snapshots. Signing material is never serialized

type IdentitySnapshot struct {
	Id                 Id                `json:"id"`
	Edition            uint64            `json:"edition"`
	Nickname           string            `json:"nickname,omitempty"`
	Contexts           []string          `json:"contexts,omitempty"`
	Properties         map[string]string `json:"properties,omitempty"`
	PublishesTrustList bool              `json:"publishes_trust_list"`
	FetchState         string            `json:"fetch_state"`
	LastFetched        time.Time         `json:"last_fetched,omitempty"`
	Own                bool              `json:"own,omitempty"`
}

type TrustSnapshot struct {
	TrusterId Id     `json:"truster_id"`
	TrusteeId Id     `json:"trustee_id"`
	Value     int    `json:"value"`
	Comment   string `json:"comment,omitempty"`
	Edition   uint64 `json:"edition"`
}

type ScoreSnapshot struct {
	OwnerId   Id  `json:"owner_id"`
	TrusteeId Id  `json:"trustee_id"`
	Value     int `json:"value"`
	Rank      int `json:"rank"`
	Capacity  int `json:"capacity"`
}

func snapshotRecord(record any) json.RawMessage {
	if record == nil {
		return nil
	}
	var snapshot any
	switch v := record.(type) {
	case *Identity:
		snapshot = &IdentitySnapshot{
			Id:                 v.Id,
			Edition:            v.Edition,
			Nickname:           v.Nickname,
			Contexts:           v.Contexts,
			Properties:         v.Properties,
			PublishesTrustList: v.PublishesTrustList,
			FetchState:         v.FetchState.String(),
			LastFetched:        v.LastFetched,
			Own:                v.Own,
		}
	case *Trust:
		snapshot = &TrustSnapshot{
			TrusterId: v.TrusterId,
			TrusteeId: v.TrusteeId,
			Value:     v.Value,
			Comment:   v.Comment,
			Edition:   v.Edition,
		}
	case *Score:
		snapshot = &ScoreSnapshot{
			OwnerId:   v.OwnerId,
			TrusteeId: v.TrusteeId,
			Value:     v.Value,
			Rank:      v.Rank,
			Capacity:  v.Capacity,
		}
	default:
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		// snapshots are plain structs, this does not happen
		glog.Warningf("[subs]snapshot marshal error = %s\n", err)
		return nil
	}
	return payload
}

type subscriptionClient struct {
	clientId Id
	state    ClientState
	// one monotonically increasing index shared across all of the
	// client's subscriptions, so cross-topic ordering holds
	nextIndex    uint64
	failureCount int
	queue        *notifyQueue
	topics       map[Topic]bool
}

// SubscriptionManager tracks clients and their per-topic subscriptions and
// turns store change events into per-client notification queues. Clients,
// subscriptions and notifications are in-memory only: transport endpoints
// cannot outlive a restart, so nothing here is persisted
type SubscriptionManager struct {
	store *TrustGraphStore

	mutex   deadlock.Mutex
	clients map[Id]*subscriptionClient

	monitor *Monitor
}

func NewSubscriptionManager(store *TrustGraphStore) *SubscriptionManager {
	manager := &SubscriptionManager{
		store:   store,
		clients: map[Id]*subscriptionClient{},
		monitor: NewMonitor(),
	}
	store.AddSink(manager)
	return manager
}

// Subscribe atomically enumerates all currently existing records of the
// topic, stamps them with a fresh synchronization tag and enqueues
// BeginSync, one ObjectChanged per record, EndSync. At most one
// subscription per (client, topic)
func (self *SubscriptionManager) Subscribe(clientId Id, topic Topic) error {
	// graph-store lock before subscription-manager lock, per the lock order
	tx := self.store.Begin()
	defer tx.Rollback()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	client, ok := self.clients[clientId]
	if !ok {
		client = &subscriptionClient{
			clientId: clientId,
			state:    ClientStateActive,
			queue:    newNotifyQueue(),
			topics:   map[Topic]bool{},
		}
		self.clients[clientId] = client
	}
	if client.topics[topic] {
		return ErrAlreadySubscribed
	}
	client.topics[topic] = true

	syncTag := uuid.NewString()
	self.enqueue(client, &Notification{
		Kind:    NotificationBeginSync,
		Topic:   topic,
		SyncTag: syncTag,
	})
	var records []any
	switch topic {
	case TopicIdentities:
		for _, identity := range tx.Identities() {
			records = append(records, identity)
		}
	case TopicTrusts:
		for _, trust := range tx.Trusts() {
			records = append(records, trust)
		}
	case TopicScores:
		for _, score := range tx.Scores() {
			records = append(records, score)
		}
	}
	for _, record := range records {
		self.enqueue(client, &Notification{
			Kind:  NotificationObjectChanged,
			Topic: topic,
			New:   snapshotRecord(record),
		})
	}
	self.enqueue(client, &Notification{
		Kind:    NotificationEndSync,
		Topic:   topic,
		SyncTag: syncTag,
	})

	glog.V(1).Infof("[subs]subscribe %s %s, synchronized %d records\n", clientId, topic, len(records))
	self.monitor.NotifyAll()
	return nil
}

// Unsubscribe deletes the subscription and its still-queued notifications.
// A client with no remaining subscriptions is deleted too
func (self *SubscriptionManager) Unsubscribe(clientId Id, topic Topic) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	client, ok := self.clients[clientId]
	if !ok || !client.topics[topic] {
		return ErrNotFound
	}
	delete(client.topics, topic)
	client.queue.RemoveTopic(topic)
	if len(client.topics) == 0 {
		client.state = ClientStateDisconnected
		delete(self.clients, clientId)
	}
	return nil
}

// ChangeSink. Called while the graph-store lock is held, on commit, in
// mutation order
func (self *SubscriptionManager) StoreChanged(topic Topic, old any, new any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var oldSnapshot json.RawMessage
	var newSnapshot json.RawMessage
	enqueued := false
	for _, client := range self.clients {
		if !client.topics[topic] {
			continue
		}
		if oldSnapshot == nil && newSnapshot == nil {
			oldSnapshot = snapshotRecord(old)
			newSnapshot = snapshotRecord(new)
		}
		self.enqueue(client, &Notification{
			Kind:  NotificationObjectChanged,
			Topic: topic,
			Old:   oldSnapshot,
			New:   newSnapshot,
		})
		enqueued = true
	}
	if enqueued {
		self.monitor.NotifyAll()
	}
}

func (self *SubscriptionManager) enqueue(client *subscriptionClient, notification *Notification) {
	notification.ClientId = client.clientId
	notification.Index = client.nextIndex
	client.nextIndex += 1
	client.queue.Add(notification)
}

func (self *SubscriptionManager) activeClients() []*subscriptionClient {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.clients)
}

func (self *SubscriptionManager) isActive(clientId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.clients[clientId]
	return ok
}

func (self *SubscriptionManager) countFailure(clientId Id) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	client, ok := self.clients[clientId]
	if !ok {
		return 0
	}
	client.failureCount += 1
	return client.failureCount
}

func (self *SubscriptionManager) resetFailures(clientId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if client, ok := self.clients[clientId]; ok {
		client.failureCount = 0
	}
}

// teardownClient deletes the client and all its subscriptions. Terminal
func (self *SubscriptionManager) teardownClient(clientId Id, reason string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	client, ok := self.clients[clientId]
	if !ok {
		return
	}
	client.state = ClientStateDisconnected
	client.topics = map[Topic]bool{}
	delete(self.clients, clientId)
	glog.Infof("[subs]client %s torn down: %s\n", clientId, reason)
}

func (self *SubscriptionManager) Monitor() *Monitor {
	return self.monitor
}
