package wot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type WebsocketTransportSettings struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// how long to wait for the subscriber's acknowledgment of one item
	AckTimeout  time.Duration
	PingTimeout time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		AuthTimeout:  2 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		AckTimeout:   15 * time.Second,
		PingTimeout:  10 * time.Second,
	}
}

// SignSubscriberToken mints the token a remote subscriber presents on
// connect
func SignSubscriberToken(secret []byte, clientId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	return token.SignedString(secret)
}

func ParseSubscriberToken(secret []byte, tokenStr string) (Id, error) {
	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Id{}, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("bad claims")
	}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("missing client_id claim")
	}
	return ParseId(clientIdStr)
}

// first client message after the upgrade
type subscribeRequest struct {
	Jwt    string   `json:"jwt"`
	Topics []string `json:"topics"`
}

// subscriber replies, one per delivered notification
type ackMessage struct {
	Index uint64 `json:"ack"`
	Error string `json:"error,omitempty"`
}

func parseTopic(name string) (Topic, error) {
	switch name {
	case "identities":
		return TopicIdentities, nil
	case "trusts":
		return TopicTrusts, nil
	case "scores":
		return TopicScores, nil
	default:
		return Topic(0), fmt.Errorf("unknown topic: %s", name)
	}
}

type subscriberConn struct {
	clientId Id
	ws       *websocket.Conn
	cancel   context.CancelFunc

	writeLock sync.Mutex
	acks      chan ackMessage
}

// WebsocketTransport is the delivery transport for remote subscribers: one
// websocket per client, JSON notification payloads, synchronous per-item
// acks. It subscribes and unsubscribes with the core on behalf of the
// remote side
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager   *SubscriptionManager
	jwtSecret []byte

	settings *WebsocketTransportSettings

	upgrader websocket.Upgrader

	mutex sync.Mutex
	conns map[Id]*subscriberConn
}

func NewWebsocketTransportWithDefaults(ctx context.Context, manager *SubscriptionManager, jwtSecret []byte) *WebsocketTransport {
	return NewWebsocketTransport(ctx, manager, jwtSecret, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(ctx context.Context, manager *SubscriptionManager, jwtSecret []byte, settings *WebsocketTransportSettings) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebsocketTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		manager:   manager,
		jwtSecret: jwtSecret,
		settings:  settings,
		conns:     map[Id]*subscriberConn{},
	}
}

// http.Handler
func (self *WebsocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var request subscribeRequest
	if err := json.Unmarshal(message, &request); err != nil {
		return
	}
	clientId, err := ParseSubscriberToken(self.jwtSecret, request.Jwt)
	if err != nil {
		glog.Infof("[t]auth error = %s\n", err)
		return
	}

	for _, topicName := range request.Topics {
		topic, err := parseTopic(topicName)
		if err != nil {
			glog.Infof("[t]%s subscribe error = %s\n", clientId, err)
			return
		}
		if err := self.manager.Subscribe(clientId, topic); err != nil {
			glog.Infof("[t]%s subscribe error = %s\n", clientId, err)
			return
		}
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	conn := &subscriberConn{
		clientId: clientId,
		ws:       ws,
		cancel:   handleCancel,
		acks:     make(chan ackMessage, 8),
	}

	self.mutex.Lock()
	if existing, ok := self.conns[clientId]; ok {
		// one connection per client. the newer connection wins
		existing.cancel()
		existing.ws.Close()
	}
	self.conns[clientId] = conn
	self.mutex.Unlock()

	success = true
	glog.V(1).Infof("[t]%s connected\n", clientId)

	go self.runConn(handleCtx, conn)
}

func (self *WebsocketTransport) runConn(handleCtx context.Context, conn *subscriberConn) {
	defer func() {
		conn.ws.Close()
		self.removeConn(conn)
	}()

	// ping
	go func() {
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				conn.writeLock.Lock()
				conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := conn.ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
				conn.writeLock.Unlock()
				if err != nil {
					conn.cancel()
					return
				}
			}
		}
	}()

	// acks
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[t]%s read error = %s\n", conn.clientId, err)
			conn.cancel()
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		var ack ackMessage
		if err := json.Unmarshal(message, &ack); err != nil {
			glog.V(2).Infof("[t]%s bad ack\n", conn.clientId)
			continue
		}
		select {
		case conn.acks <- ack:
		case <-handleCtx.Done():
			return
		default:
			// no delivery waiting for this ack
		}
	}
}

func (self *WebsocketTransport) removeConn(conn *subscriberConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.conns[conn.clientId] == conn {
		delete(self.conns, conn.clientId)
	}
}

func (self *WebsocketTransport) conn(clientId Id) *subscriberConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conns[clientId]
}

// DeliveryTransport
func (self *WebsocketTransport) Deliver(clientId Id, index uint64, payload []byte) DeliveryResult {
	conn := self.conn(clientId)
	if conn == nil {
		return DeliveryDisconnected
	}

	conn.writeLock.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err := conn.ws.WriteMessage(websocket.TextMessage, payload)
	conn.writeLock.Unlock()
	if err != nil {
		glog.V(1).Infof("[t]%s write error = %s\n", clientId, err)
		conn.cancel()
		return DeliveryDisconnected
	}

	timeout := time.After(self.settings.AckTimeout)
	for {
		select {
		case ack := <-conn.acks:
			if ack.Index != index {
				// an ack not for the in-flight item. Buffered strays must
				// not count as the acknowledgment
				glog.V(2).Infof("[t]%s stray ack %d, waiting for %d\n", clientId, ack.Index, index)
				continue
			}
			if ack.Error != "" {
				glog.V(1).Infof("[t]%s processing failure = %s\n", clientId, ack.Error)
				return DeliveryFailure
			}
			return DeliverySuccess
		case <-timeout:
			return DeliveryFailure
		case <-self.ctx.Done():
			return DeliveryDisconnected
		}
	}
}

func (self *WebsocketTransport) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, conn := range self.conns {
		conn.cancel()
		conn.ws.Close()
	}
	self.conns = map[Id]*subscriberConn{}
}
