package amqpconn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"

	"github.com/arrowmq/arrowmq.go/internal/wsconn"
	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/logger"
)

const defaultHandshakeTimeout = 45 * time.Second

// Dialer opens go-amqp connections. The zero value is usable.
type Dialer struct {
	// ContainerID identifies this client to the broker.
	// Empty means a random UUID per connection.
	ContainerID string

	// IdleTimeout is the idle timeout advertised to the peer.
	IdleTimeout time.Duration

	// MaxFrameSize is the largest frame this side accepts. Zero means the go-amqp default.
	MaxFrameSize uint32

	// Properties are sent in the open frame.
	Properties map[string]any

	// WebSocket dials ws and wss endpoints. Nil means a dialer with the
	// amqp subprotocol and the proxy from the environment.
	WebSocket *websocket.Dialer

	Logger logger.Logger
}

var _ connection.Dialer = (*Dialer)(nil)

// Dial opens a connection to ep. Endpoints with credentials authenticate
// with SASL PLAIN, others with SASL ANONYMOUS.
func (d *Dialer) Dial(ctx context.Context, ep connection.Endpoint) (connection.Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	opts := &amqp.ConnOptions{
		ContainerID:  d.containerID(),
		HostName:     ep.Host,
		IdleTimeout:  d.IdleTimeout,
		MaxFrameSize: d.MaxFrameSize,
		Properties:   d.Properties,
	}
	if ep.User != "" {
		opts.SASLType = amqp.SASLTypePlain(ep.User, ep.Password)
	} else {
		opts.SASLType = amqp.SASLTypeAnonymous()
	}

	var (
		c   *amqp.Conn
		err error
	)
	if ep.WebSocket() {
		c, err = d.dialWebSocket(ctx, ep, opts)
	} else {
		opts.TLSConfig = ep.TLSConfig
		c, err = amqp.Dial(ctx, ep.Address(), opts)
	}
	if err != nil {
		return nil, classifyDial(err)
	}

	d.logger().Debug("amqpconn.Dialer opened connection", "endpoint", ep, "container_id", opts.ContainerID)
	return newConn(c, ep), nil
}

func (d *Dialer) dialWebSocket(ctx context.Context, ep connection.Endpoint, opts *amqp.ConnOptions) (*amqp.Conn, error) {
	wd := d.WebSocket
	if wd == nil {
		wd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			Subprotocols:     []string{wsconn.Subprotocol},
			TLSClientConfig:  ep.TLSConfig,
		}
	}

	ws, resp, err := wd.DialContext(ctx, ep.Address(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("amqpconn: websocket dial %s: %w", ep, err)
	}

	nc := wsconn.New(ws)
	c, err := amqp.NewConn(ctx, nc, opts)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (d *Dialer) containerID() string {
	if d.ContainerID != "" {
		return d.ContainerID
	}
	return uuid.Must(uuid.NewV4()).String()
}

func (d *Dialer) logger() logger.Logger {
	if d.Logger == nil {
		return logger.Nop()
	}
	return d.Logger
}
