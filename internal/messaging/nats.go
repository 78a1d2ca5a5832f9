// Package messaging carries relay events between relay nodes over NATS. Each
// node subscribes to the per-user subject of every peer connected to it, so
// an event published for a user reaches whichever node holds their socket.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the relay.
const (
	SubjectUser     = "user"     // + .<user_id>
	SubjectPresence = "presence" // + .<user_id>, connect/disconnect notices
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duet-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// subscribe registers handler under key, replacing any previous
// subscription with the same key.
func (c *NATSClient) subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] replace %s: %v", key, err)
		}
	}
	return nil
}

// PublishToUser publishes an encoded event for userID.
func (c *NATSClient) PublishToUser(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// SubscribeUser delivers events published for userID to handler.
func (c *NATSClient) SubscribeUser(userID string, handler func(data []byte)) error {
	return c.subscribe("user:"+userID, SubjectUser+"."+userID, handler)
}

// UnsubscribeUser drops the subscription for userID.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe("user:" + userID)
}

// PresenceNotice is published when a user connects to a node. Other nodes
// drop any socket they still hold for the same user.
type PresenceNotice struct {
	UserID    string `json:"userId"`
	Server    string `json:"server"`
	SessionID string `json:"sessionId"`
}

// AnnouncePresence tells every node that n.UserID is now held by n.Server.
func (c *NATSClient) AnnouncePresence(n PresenceNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("nats: encode presence: %w", err)
	}
	return c.Publish(SubjectPresence+"."+n.UserID, data)
}

// SubscribePresence receives presence notices for every user. Malformed
// notices are logged and dropped.
func (c *NATSClient) SubscribePresence(handler func(n PresenceNotice)) error {
	return c.subscribe("presence", SubjectPresence+".*", func(data []byte) {
		var n PresenceNotice
		if err := json.Unmarshal(data, &n); err != nil {
			log.Printf("[nats] bad presence notice: %v", err)
			return
		}
		handler(n)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
