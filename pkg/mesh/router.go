// Package mesh decides the next hop for messages relayed across the mesh.
package mesh

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/events"
)

const (
	DefaultMaxHops       = 5
	DefaultDedupTTL      = 5 * time.Minute
	DefaultDedupCapacity = 10000
	routeStateCapacity   = 4096
)

// Packet is the routing view of a message
type Packet struct {
	ID         uuid.UUID
	SenderID   string
	ReceiverID string
	HopCount   uint32
}

// RouteStatus is the outcome of a routing decision
type RouteStatus uint8

const (
	RouteSent RouteStatus = iota + 1
	RouteFailed
)

func (s RouteStatus) String() string {
	switch s {
	case RouteSent:
		return "sent"
	case RouteFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decision says which rule produced a next hop
type Decision uint8

const (
	DecisionNone Decision = iota
	DecisionDirect
	DecisionTable
	DecisionFlood
)

// RouteRecord is the last routing outcome for a message id
type RouteRecord struct {
	MessageID uuid.UUID
	Status    RouteStatus
	NextHop   string
	Decision  Decision
	Reason    error
	At        time.Time
}

// Options configures a Router. Zero values take the defaults.
type Options struct {
	MaxHops       uint32
	DedupTTL      time.Duration
	DedupCapacity int
	Logger        *zap.Logger
	Observer      events.Observer
	Now           func() time.Time
	Rand          *rand.Rand
}

// Router picks next hops: dedup, hop limit, direct, routing table, flood
type Router struct {
	maxHops  uint32
	dedup    *DedupCache
	table    *RoutingTable
	states   *lru.Cache
	logger   *zap.Logger
	observer events.Observer
	now      func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewRouter(opts Options) (*Router, error) {
	if opts.MaxHops == 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = DefaultDedupCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = events.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	dedup, err := NewDedupCache(opts.DedupCapacity, opts.DedupTTL, opts.Now)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	states, err := lru.New(routeStateCapacity)
	if err != nil {
		return nil, fmt.Errorf("route states: %w", err)
	}

	return &Router{
		maxHops:  opts.MaxHops,
		dedup:    dedup,
		table:    NewRoutingTable(),
		states:   states,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		rand:     opts.Rand,
	}, nil
}

// Table returns the routing table for updates from discovery
func (r *Router) Table() *RoutingTable { return r.table }

// Dedup returns the dedup cache
func (r *Router) Dedup() *DedupCache { return r.dedup }

// MaxHops returns the configured hop limit
func (r *Router) MaxHops() uint32 { return r.maxHops }

// RouteMessage returns the next hop for p among the available direct peers.
// ok is false when the message must not be forwarded: it was already routed
// within the TTL window, it hit the hop limit, or no peer is available.
func (r *Router) RouteMessage(p Packet, available []string) (nextHop string, ok bool) {
	next, err := r.Route(p, available)
	return next, err == nil
}

// Route is RouteMessage with the reason: ErrDuplicate for an id already
// routed within the TTL, otherwise ErrRouting wrapping ErrHopLimit or
// ErrNoRoute. Only successful decisions claim the id in the dedup cache.
func (r *Router) Route(p Packet, available []string) (string, error) {
	if r.dedup.Seen(p.ID) {
		return "", r.duplicate(p)
	}

	if p.HopCount >= r.maxHops {
		err := fmt.Errorf("%w: %w (%d >= %d)", ErrRouting, ErrHopLimit, p.HopCount, r.maxHops)
		r.fail(p, err)
		return "", err
	}

	next, decision := r.pick(p, available)
	if decision == DecisionNone {
		err := fmt.Errorf("%w: %w %q", ErrRouting, ErrNoRoute, p.ReceiverID)
		r.fail(p, err)
		return "", err
	}

	// Another goroutine may have routed the same id since the Seen check
	if !r.dedup.Claim(p.ID) {
		return "", r.duplicate(p)
	}
	r.states.Add(p.ID, RouteRecord{
		MessageID: p.ID,
		Status:    RouteSent,
		NextHop:   next,
		Decision:  decision,
		At:        r.now(),
	})
	r.logger.Debug("message routed",
		zap.String("message_id", p.ID.String()),
		zap.String("receiver", p.ReceiverID),
		zap.String("next_hop", next),
		zap.Uint32("hops", p.HopCount))
	return next, nil
}

func (r *Router) duplicate(p Packet) error {
	r.logger.Debug("duplicate message dropped", zap.String("message_id", p.ID.String()))
	return fmt.Errorf("%w: message %s", ErrDuplicate, p.ID)
}

func (r *Router) pick(p Packet, available []string) (string, Decision) {
	if len(available) == 0 {
		return "", DecisionNone
	}

	present := make(map[string]struct{}, len(available))
	for _, id := range available {
		present[id] = struct{}{}
	}

	if _, ok := present[p.ReceiverID]; ok {
		return p.ReceiverID, DecisionDirect
	}

	for _, c := range r.table.Lookup(p.ReceiverID) {
		if _, ok := present[c]; ok {
			return c, DecisionTable
		}
	}

	// Flood fallback: any available peer. Loops are only bounded by dedup and MaxHops.
	r.randMu.Lock()
	i := r.rand.Intn(len(available))
	r.randMu.Unlock()
	return available[i], DecisionFlood
}

func (r *Router) fail(p Packet, reason error) {
	r.states.Add(p.ID, RouteRecord{
		MessageID: p.ID,
		Status:    RouteFailed,
		Reason:    reason,
		At:        r.now(),
	})
	r.logger.Warn("routing failed",
		zap.String("message_id", p.ID.String()),
		zap.String("receiver", p.ReceiverID),
		zap.Uint32("hops", p.HopCount),
		zap.Error(reason))
	r.observer.Observe(events.Event{
		Time:      r.now(),
		Kind:      events.KindRoutingFailed,
		MessageID: p.ID.String(),
		SenderID:  p.SenderID,
		Receiver:  p.ReceiverID,
		HopCount:  p.HopCount,
		Err:       reason,
		Reason:    reason.Error(),
	})
}

// RouteState returns the last routing outcome recorded for id
func (r *Router) RouteState(id uuid.UUID) (RouteRecord, bool) {
	v, ok := r.states.Get(id)
	if !ok {
		return RouteRecord{}, false
	}
	return v.(RouteRecord), true
}

// CleanMessageCache drops dedup entries older than the TTL. It is not
// called automatically.
func (r *Router) CleanMessageCache() int {
	n := r.dedup.Clean()
	if n > 0 {
		r.logger.Debug("message cache cleaned", zap.Int("removed", n), zap.Int("remaining", r.dedup.Len()))
	}
	return n
}
