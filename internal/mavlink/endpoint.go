// Package mavlink wraps gomavlib into the per-vehicle link the commanders
// drive: one UDP server endpoint per vehicle port, a filtered heartbeat feed
// and a census of everything else that arrives.
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/signalsfoundry/uav-fleet-commander/internal/logging"
)

// ErrEndpointClosed is returned by Send after Close.
var ErrEndpointClosed = errors.New("mavlink endpoint closed")

const (
	// DefaultSystemID is the conventional ground-station system id.
	DefaultSystemID uint8 = 255
	// DefaultComponentID identifies the sender as a mission planner.
	DefaultComponentID uint8 = 190

	heartbeatBuffer = 16
)

// EndpointConfig describes one vehicle link.
type EndpointConfig struct {
	// Address is the local host:port the autopilot streams to.
	Address string
	// ExpectedSystemID pins the link to one autopilot; 0 accepts any.
	ExpectedSystemID uint8
	OutSystemID      uint8
	OutComponentID   uint8
	// OnMessage, when set, observes every decoded inbound message.
	OnMessage func(systemID uint8, msgType string)
	Logger    logging.Logger
}

// Endpoint is a gomavlib node listening on a single UDP address.
type Endpoint struct {
	cfg    EndpointConfig
	node   *gomavlib.Node
	filter HeartbeatFilter
	census *Census
	log    logging.Logger

	heartbeats chan Heartbeat

	mu     sync.Mutex
	last   Heartbeat
	seen   bool
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// Open binds the endpoint and starts its reader goroutine.
func Open(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("open mavlink endpoint: empty address")
	}
	if cfg.OutSystemID == 0 {
		cfg.OutSystemID = DefaultSystemID
	}
	if cfg.OutComponentID == 0 {
		cfg.OutComponentID = DefaultComponentID
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPServer{Address: cfg.Address},
		},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      cfg.OutSystemID,
		OutComponentID:   cfg.OutComponentID,
		HeartbeatDisable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mavlink endpoint %s: %w", cfg.Address, err)
	}

	e := &Endpoint{
		cfg:        cfg,
		node:       node,
		filter:     HeartbeatFilter{ExpectedSystemID: cfg.ExpectedSystemID},
		census:     newCensus(),
		log:        log.With(logging.String("address", cfg.Address)),
		heartbeats: make(chan Heartbeat, heartbeatBuffer),
		done:       make(chan struct{}),
	}
	go e.read()
	return e, nil
}

// Dial matches the commander's dialer signature; ctx is only checked up
// front since binding a UDP socket does not block.
func Dial(ctx context.Context, cfg EndpointConfig) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Open(cfg)
}

// Address is the local address the endpoint listens on.
func (e *Endpoint) Address() string { return e.cfg.Address }

// Census exposes the inbound message tallies.
func (e *Endpoint) Census() *Census { return e.census }

// Heartbeats delivers accepted vehicle heartbeats. When the consumer falls
// behind the oldest buffered heartbeat is dropped.
func (e *Endpoint) Heartbeats() <-chan Heartbeat { return e.heartbeats }

// LastHeartbeat returns the most recent accepted heartbeat.
func (e *Endpoint) LastHeartbeat() (Heartbeat, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.seen
}

// Send writes msg to every peer that has contacted this endpoint.
func (e *Endpoint) Send(msg message.Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEndpointClosed
	}
	if err := e.node.WriteMessageAll(msg); err != nil {
		return fmt.Errorf("write %s: %w", MessageName(msg), err)
	}
	return nil
}

// Close stops the node and waits for the reader to exit. It is safe to call
// more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.node.Close()
		<-e.done
	})
	return nil
}

func (e *Endpoint) read() {
	defer close(e.done)
	for evt := range e.node.Events() {
		switch ev := evt.(type) {
		case *gomavlib.EventFrame:
			e.handle(ev.SystemID(), ev.ComponentID(), ev.Message())
		case *gomavlib.EventParseError:
			e.census.recordParseError()
			e.log.Debug(context.Background(), "mavlink parse error", logging.Err(ev.Error))
		case *gomavlib.EventChannelOpen:
			e.log.Debug(context.Background(), "mavlink peer connected")
		case *gomavlib.EventChannelClose:
			e.log.Debug(context.Background(), "mavlink peer disconnected")
		}
	}
}

func (e *Endpoint) handle(sysID, compID uint8, msg message.Message) {
	name := MessageName(msg)
	e.census.record(sysID, name)
	if e.cfg.OnMessage != nil {
		e.cfg.OnMessage(sysID, name)
	}

	raw, ok := msg.(*common.MessageHeartbeat)
	if !ok {
		return
	}
	hb := decodeHeartbeat(sysID, compID, raw)
	if !e.filter.Accept(hb) {
		e.census.recordFiltered()
		return
	}

	e.mu.Lock()
	e.last = hb
	e.seen = true
	e.mu.Unlock()

	select {
	case e.heartbeats <- hb:
	default:
		select {
		case <-e.heartbeats:
		default:
		}
		select {
		case e.heartbeats <- hb:
		default:
		}
	}
}
