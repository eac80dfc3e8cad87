package wot

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestSubscriberToken(t *testing.T) {
	secret := []byte("test-secret")
	clientId := NewId()

	jwt, err := SignSubscriberToken(secret, clientId)
	assert.Equal(t, nil, err)

	parsedId, err := ParseSubscriberToken(secret, jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, parsedId)

	_, err = ParseSubscriberToken([]byte("wrong-secret"), jwt)
	assert.NotEqual(t, nil, err)

	_, err = ParseSubscriberToken(secret, "not a token")
	assert.NotEqual(t, nil, err)
}

func TestParseTopic(t *testing.T) {
	topic, err := parseTopic("identities")
	assert.Equal(t, nil, err)
	assert.Equal(t, TopicIdentities, topic)
	topic, err = parseTopic("trusts")
	assert.Equal(t, nil, err)
	assert.Equal(t, TopicTrusts, topic)
	topic, err = parseTopic("scores")
	assert.Equal(t, nil, err)
	assert.Equal(t, TopicScores, topic)
	_, err = parseTopic("bogus")
	assert.NotEqual(t, nil, err)
}

func TestWebsocketSubscriber(t *testing.T) {
	secret := []byte("test-secret")

	engine, manager := newSubscriptionTest()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewWebsocketTransportWithDefaults(cancelCtx, manager, secret)
	defer transport.Close()
	job := NewDeliveryJob(cancelCtx, manager, transport, testDeliverySettings())
	defer job.Close()

	server := httptest.NewServer(transport)
	defer server.Close()

	clientId := NewId()
	jwt, err := SignSubscriberToken(secret, clientId)
	assert.Equal(t, nil, err)

	wsUrl := strings.Replace(server.URL, "http", "ws", 1)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	assert.Equal(t, nil, ws.WriteJSON(map[string]any{
		"jwt":    jwt,
		"topics": []string{"identities"},
	}))

	readNotification := func() *Notification {
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			messageType, message, err := ws.ReadMessage()
			assert.Equal(t, nil, err)
			if messageType != websocket.TextMessage || len(message) == 0 {
				// ping
				continue
			}
			var notification Notification
			assert.Equal(t, nil, json.Unmarshal(message, &notification))
			assert.Equal(t, nil, ws.WriteJSON(map[string]any{
				"ack": notification.Index,
			}))
			return &notification
		}
	}

	// initial synchronization: begin, end
	begin := readNotification()
	assert.Equal(t, NotificationBeginSync, begin.Kind)
	assert.Equal(t, clientId, begin.ClientId)
	end := readNotification()
	assert.Equal(t, NotificationEndSync, end.Kind)
	assert.Equal(t, begin.SyncTag, end.SyncTag)

	// a mutation arrives as an object change
	identity, err := engine.CreateIdentity(NewId(), "bob")
	assert.Equal(t, nil, err)

	changed := readNotification()
	assert.Equal(t, NotificationObjectChanged, changed.Kind)
	assert.Equal(t, TopicIdentities, changed.Topic)
	var snapshot IdentitySnapshot
	assert.Equal(t, nil, json.Unmarshal(changed.New, &snapshot))
	assert.Equal(t, identity.Id, snapshot.Id)
	assert.Equal(t, "bob", snapshot.Nickname)

	// strict index order over the whole stream
	assert.Equal(t, begin.Index+1, end.Index)
	assert.Equal(t, end.Index+1, changed.Index)
}

func TestWebsocketStrayAckIgnored(t *testing.T) {
	secret := []byte("test-secret")
	_, manager := newSubscriptionTest()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWebsocketTransportSettings()
	settings.AckTimeout = 300 * time.Millisecond
	transport := NewWebsocketTransport(cancelCtx, manager, secret, settings)
	defer transport.Close()

	server := httptest.NewServer(transport)
	defer server.Close()

	clientId := NewId()
	jwt, err := SignSubscriberToken(secret, clientId)
	assert.Equal(t, nil, err)

	wsUrl := strings.Replace(server.URL, "http", "ws", 1)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	assert.Equal(t, nil, ws.WriteJSON(map[string]any{
		"jwt":    jwt,
		"topics": []string{},
	}))

	payload, err := json.Marshal(&Notification{
		ClientId: clientId,
		Kind:     NotificationObjectChanged,
		Index:    1,
	})
	assert.Equal(t, nil, err)

	// the subscriber acks an index that was never in flight, then the
	// real one
	acks := make(chan uint64, 2)
	go func() {
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage || len(message) == 0 {
				continue
			}
			drained := false
			for !drained {
				select {
				case index := <-acks:
					ws.WriteJSON(map[string]any{
						"ack": index,
					})
				default:
					drained = true
				}
			}
		}
	}()

	// only a stray ack arrives. The delivery must time out, not succeed
	acks <- 999
	assert.Equal(t, DeliveryFailure, transport.Deliver(clientId, 1, payload))

	// a stray ack followed by the matching one succeeds
	acks <- 999
	acks <- 1
	assert.Equal(t, DeliverySuccess, transport.Deliver(clientId, 1, payload))
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	secret := []byte("test-secret")
	_, manager := newSubscriptionTest()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := NewWebsocketTransportWithDefaults(cancelCtx, manager, secret)
	defer transport.Close()

	server := httptest.NewServer(transport)
	defer server.Close()

	clientId := NewId()
	jwt, err := SignSubscriberToken([]byte("wrong-secret"), clientId)
	assert.Equal(t, nil, err)

	wsUrl := strings.Replace(server.URL, "http", "ws", 1)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	assert.Equal(t, nil, ws.WriteJSON(map[string]any{
		"jwt":    jwt,
		"topics": []string{"identities"},
	}))

	// the server closes the connection without subscribing
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, manager.isActive(clientId))
}
