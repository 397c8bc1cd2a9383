package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// maxDatagram is the largest announcement a multicast packet may carry.
const maxDatagram = 64 * 1024

// MulticastConfig holds configuration for the UDP multicast transport.
type MulticastConfig struct {
	// Address is the multicast group address.
	Address string `json:"address"`

	// Port is the multicast port.
	Port int `json:"port"`

	// Interface optionally pins the listener to a network interface.
	Interface string `json:"interface"`
}

// DefaultMulticastConfig returns a MulticastConfig with sensible defaults.
func DefaultMulticastConfig() *MulticastConfig {
	return &MulticastConfig{
		Address: "239.255.42.99",
		Port:    3501,
	}
}

// MulticastTransport announces agent cards on a LAN multicast group. Each
// card travels in its own datagram.
type MulticastTransport struct {
	config *MulticastConfig
	sender string
	logger *zap.Logger

	mu    sync.Mutex
	conn  *net.UDPConn
	group *net.UDPAddr
}

// NewMulticastTransport joins the configured multicast group.
func NewMulticastTransport(config *MulticastConfig, logger *zap.Logger) (*MulticastTransport, error) {
	if config == nil {
		config = DefaultMulticastConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	group, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", config.Address, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address: %w", err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", config.Address)
	}

	var ifi *net.Interface
	if config.Interface != "" {
		ifi, err = net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %q: %w", config.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on multicast: %w", err)
	}
	conn.SetReadBuffer(maxDatagram)

	t := &MulticastTransport{
		config: config,
		sender: uuid.NewString(),
		logger: logger.With(zap.String("component", "multicast_transport")),
		conn:   conn,
		group:  group,
	}
	t.logger.Info("multicast discovery started",
		zap.String("address", config.Address),
		zap.Int("port", config.Port),
	)
	return t, nil
}

// Name implements Transport.
func (t *MulticastTransport) Name() string { return "multicast" }

// Announce implements Transport.
func (t *MulticastTransport) Announce(ctx context.Context, cards []*a2a.AgentCard) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("multicast transport closed")
	}

	var errs []error
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(Announcement{
			Sender: t.sender,
			SentAt: time.Now().UTC(),
			Cards:  []*a2a.AgentCard{card},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal announcement for %s: %w", card.AgentID, err))
			continue
		}
		if len(data) > maxDatagram {
			errs = append(errs, fmt.Errorf("announcement for %s exceeds %d bytes", card.AgentID, maxDatagram))
			continue
		}
		if _, err := conn.WriteToUDP(data, t.group); err != nil {
			errs = append(errs, fmt.Errorf("send announcement for %s: %w", card.AgentID, err))
		}
	}
	return errors.Join(errs...)
}

// Listen implements Transport. Datagrams sent by this transport are ignored.
func (t *MulticastTransport) Listen(ctx context.Context, handler func(*a2a.AgentCard)) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("multicast transport closed")
	}

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Debug("multicast read error", zap.Error(err))
			continue
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			t.logger.Debug("failed to parse multicast announcement", zap.Error(err))
			continue
		}
		if ann.Sender == t.sender {
			continue
		}
		for _, card := range ann.Cards {
			if card != nil {
				handler(card)
			}
		}
	}
}

// Close implements Transport.
func (t *MulticastTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
