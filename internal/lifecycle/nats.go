package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"

	"purchasekit/internal/config"
)

const defaultLifecycleSubject = "app.lifecycle.state"

// lifecycleMessage is the wire shape published by the host shell
type lifecycleMessage struct {
	State string `json:"state"`
}

// NATSSource subscribes to a NATS subject carrying lifecycle transitions
// published by the host shell, and fans them out to SDK listeners.
type NATSSource struct {
	*ManualSource
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource connects to NATS and subscribes to the lifecycle subject.
func NewNATSSource(cfg *config.NATSConfig) (*NATSSource, error) {
	natsURL := fmt.Sprintf("nats://%s:%s@%s:%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port)

	conn, err := nats.Connect(natsURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			glog.Warningf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			glog.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	subject := cfg.LifecycleSubject
	if subject == "" {
		subject = defaultLifecycleSubject
	}

	src := &NATSSource{ManualSource: NewManualSource(), conn: conn}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var m lifecycleMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			glog.Warningf("dropping malformed lifecycle message: %v", err)
			return
		}
		switch State(m.State) {
		case Foreground:
			src.NotifyForeground()
		case Background:
			src.NotifyBackground()
		default:
			glog.Warningf("ignoring unknown lifecycle state %q", m.State)
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	src.sub = sub

	glog.Infof("subscribed to lifecycle subject %s at %s:%s", subject, cfg.Host, cfg.Port)
	return src, nil
}

// Close drops the subscription and connection.
func (s *NATSSource) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
