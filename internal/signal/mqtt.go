package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/api"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/domain"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

type MQTTConfig struct {
	Broker    string
	Prefix    string
	Room      string
	Self      domain.Participant
	Heartbeat time.Duration
}

func (c MQTTConfig) presenceTopic(peerID string) string {
	return fmt.Sprintf("%s/%s/presence/%s", c.Prefix, c.Room, peerID)
}

func (c MQTTConfig) inboxTopic(peerID string) string {
	return fmt.Sprintf("%s/%s/inbox/%s", c.Prefix, c.Room, peerID)
}

// MQTTChannel runs a room over a broker without the relay. Presence is a
// retained message per participant, cleared by the last will when the client
// drops. Signals are msgpack envelopes published to the target's inbox topic.
type MQTTChannel struct {
	cfg    MQTTConfig
	client mqtt.Client
	book   *presenceBook

	inbox  *mailbox
	roster *rosterFeed

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ Channel = (*MQTTChannel)(nil)

func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTChannel, error) {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	cfg.Self.Room = cfg.Room
	c := &MQTTChannel{
		cfg:    cfg,
		book:   newPresenceBook(),
		inbox:  newMailbox(),
		roster: newRosterFeed(),
		stop:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.Self.ID + "-" + cfg.Self.SessionID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetWill(cfg.presenceTopic(cfg.Self.ID), "", 1, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if err := c.subscribe(client); err != nil {
			slog.Error("mqtt subscribe failed", "error", err)
			return
		}
		if err := c.announce(context.Background()); err != nil {
			slog.Warn("failed to publish presence", "error", err)
		}
	})

	c.client = mqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	c.wg.Add(1)
	go c.heartbeat()
	return c, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTChannel) subscribe(client mqtt.Client) error {
	presence := client.Subscribe(c.cfg.presenceTopic("+"), 1, func(_ mqtt.Client, msg mqtt.Message) {
		changed, err := c.book.apply(msg.Topic(), msg.Payload())
		if err != nil {
			slog.Warn("bad presence message", "topic", msg.Topic(), "error", err)
			return
		}
		if changed {
			c.roster.publish(c.book.list())
		}
	})
	if presence.Wait() && presence.Error() != nil {
		return presence.Error()
	}

	inbox := client.Subscribe(c.cfg.inboxTopic(c.cfg.Self.ID), 1, func(_ mqtt.Client, msg mqtt.Message) {
		var env api.Envelope
		if err := msgpack.Unmarshal(msg.Payload(), &env); err != nil {
			slog.Warn("bad signal message", "error", err)
			return
		}
		if env.ToSession != "" && env.ToSession != c.cfg.Self.SessionID {
			metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "dropped").Inc()
			return
		}
		metrics.SignallingMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()
		c.inbox.push(env)
	})
	if inbox.Wait() && inbox.Error() != nil {
		return inbox.Error()
	}
	return nil
}

func (c *MQTTChannel) announce(ctx context.Context) error {
	self := c.cfg.Self
	self.LastSeen = time.Now()
	payload, err := msgpack.Marshal(self)
	if err != nil {
		return err
	}
	return wait(ctx, c.client.Publish(c.cfg.presenceTopic(self.ID), 1, true, payload))
}

// heartbeat refreshes presence and re-emits the roster so staleness is
// visible to the consumer even when nobody else publishes.
func (c *MQTTChannel) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.client.IsConnectionOpen() {
				continue
			}
			if err := c.announce(context.Background()); err != nil {
				slog.Debug("failed to refresh presence", "error", err)
			}
			c.roster.publish(c.book.list())
		}
	}
}

func (c *MQTTChannel) Ready() bool { return c.client.IsConnectionOpen() }

func (c *MQTTChannel) Send(ctx context.Context, env api.Envelope) error {
	if !c.Ready() {
		return ErrNotReady
	}
	env.Room = c.cfg.Room
	env.From = c.cfg.Self.ID
	env.FromSession = c.cfg.Self.SessionID
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := wait(ctx, c.client.Publish(c.cfg.inboxTopic(env.To), 1, false, payload)); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (c *MQTTChannel) Inbox() <-chan api.Envelope          { return c.inbox.out }
func (c *MQTTChannel) Roster() <-chan []domain.Participant { return c.roster.out }

func (c *MQTTChannel) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.client.IsConnectionOpen() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			token := c.client.Publish(c.cfg.presenceTopic(c.cfg.Self.ID), 1, true, []byte{})
			_ = wait(ctx, token)
			cancel()
		}
		c.client.Disconnect(250)
		c.shutdown()
	})
	return nil
}

func (c *MQTTChannel) shutdown() {
	c.inbox.close()
	c.roster.close()
}

// presenceBook folds retained presence messages into a roster. An empty
// payload removes the participant named by the topic's last segment.
type presenceBook struct {
	mu      sync.Mutex
	members map[string]domain.Participant
}

func newPresenceBook() *presenceBook {
	return &presenceBook{members: make(map[string]domain.Participant)}
}

func (b *presenceBook) apply(topic string, payload []byte) (bool, error) {
	id := topic[strings.LastIndex(topic, "/")+1:]
	if id == "" {
		return false, fmt.Errorf("no participant in topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(payload) == 0 {
		_, ok := b.members[id]
		delete(b.members, id)
		return ok, nil
	}

	var p domain.Participant
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return false, err
	}
	if p.ID != id {
		return false, fmt.Errorf("presence for %q published on %q", p.ID, topic)
	}
	prev, ok := b.members[id]
	b.members[id] = p
	return !ok || prev.SessionID != p.SessionID || prev.Username != p.Username, nil
}

func (b *presenceBook) list() []domain.Participant {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Participant, 0, len(b.members))
	for _, p := range b.members {
		out = append(out, p)
	}
	return sortedCopy(out)
}
