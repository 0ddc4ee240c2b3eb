// Package rt implements the routing-table reconstruction engine: it
// replays parsed BGP records from many collectors and maintains a
// per-collector, per-peer view of the global routing table, reconciling
// under-construction RIB snapshots with the live update stream.
package rt

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/timeseries"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"go.uber.org/zap"
)

// When the route daemon starts dumping a RIB at t0, updates queued
// behind the dumper may carry timestamps just before t0. An update
// applied within this window before the RIB start stays authoritative
// over the RIB snapshot.
const ribBacklogWindow = 60

// A peer absent from a RIB and silent for longer than this is
// considered gone and demoted to unknown.
const maxInactiveTime = 3600

// How far the record clock must advance before the collector's wall
// timestamp is refreshed alongside it.
const collectorWallUpdateFreq = 60

// Origin-ASN sentinels. All values sit in the IANA reserved ASN space,
// so no legitimate origin collides with them.
const (
	reservedASNStart = 0xFFFFFFF0

	// LocalOriginASN marks prefixes announced by the collector itself
	// (empty AS path).
	LocalOriginASN = reservedASNStart + 0
	// ConfSetOriginASN marks origins that are AS sets or
	// confederations rather than plain ASNs.
	ConfSetOriginASN = reservedASNStart + 1
	// DownOriginASN marks a cell with no active reachability.
	DownOriginASN = reservedASNStart + 2
)

const defaultMetricPrefix = "bgp.routingtables"

const metricPrefixMaxLen = 256

// CollectorState is the aggregate health of one collector.
type CollectorState uint8

const (
	CollectorUnknown CollectorState = iota
	CollectorDown
	CollectorUp
)

func (s CollectorState) String() string {
	switch s {
	case CollectorUp:
		return "up"
	case CollectorDown:
		return "down"
	default:
		return "unknown"
	}
}

// perPeer is the engine's bookkeeping attached to each view peer cell.
type perPeer struct {
	collectorStr string
	peerStr      string

	fsm bgp.FSMState

	// reference RIB window currently backing this peer's state
	refRIBStart uint32
	refRIBEnd   uint32
	// under-construction RIB window, 0 when the peer is not part of
	// an ongoing RIB dump
	ucRIBStart uint32
	ucRIBEnd   uint32

	lastTS uint32

	ribMessages      uint64
	stateMessages    uint64
	pfxAnnouncements uint64
	pfxWithdrawals   uint64

	ribPositiveMismatches uint64
	ribNegativeMismatches uint64

	// per-interval observation sets
	announcingASNs map[uint32]struct{}
	announcedV4    map[netip.Prefix]struct{}
	withdrawnV4    map[netip.Prefix]struct{}
	announcedV6    map[netip.Prefix]struct{}
	withdrawnV6    map[netip.Prefix]struct{}

	metricIdx *peerMetricIdx
}

// perPfxPeer is the engine's bookkeeping attached to each (pfx, peer)
// cell.
type perPfxPeer struct {
	// timestamp of the last applied update; 0 = no active
	// reachability ever confirmed
	lastTS uint32
	// offset from the peer's ucRIBStart at which this prefix appeared
	// in the UC RIB; membership in the UC RIB is marked by ucOriginASN,
	// which is DownOriginASN when the cell is not part of it
	ucDeltaTS   uint32
	ucOriginASN uint32

	announcements uint32
	withdrawals   uint32
}

func newPerPfxPeer() *perPfxPeer {
	return &perPfxPeer{ucOriginASN: DownOriginASN}
}

// collector is the engine's per-collector state, created on the first
// record naming the collector and kept for the life of the engine.
type collector struct {
	name string
	str  string // graphite-safe "project.collector"

	peerIDs map[peersig.PeerID]struct{}

	bgpTimeLast  uint32
	wallTimeLast uint32

	refRIBDumpTime  uint32
	refRIBStartTime uint32
	ucRIBDumpTime   uint32
	ucRIBStartTime  uint32

	state          CollectorState
	activePeersCnt int

	validRecordCnt     uint64
	corruptedRecordCnt uint64
	emptyRecordCnt     uint64

	publish bool

	metricIdx *collectorMetricIdx
}

// Publisher ships a view to downstream consumers at interval end. The
// admit predicate decides per peer whether its cells are included.
type Publisher interface {
	PublishView(v *view.View, admit func(*view.Peer) bool) error
}

// Options configures an engine instance.
type Options struct {
	Logger *zap.Logger
	// Peersigs may be shared across engines; nil allocates a private map.
	Peersigs *peersig.Map
	// MetricPrefix defaults to "bgp.routingtables"; longer than 256
	// characters falls back to the default.
	MetricPrefix string
	// MetricSink receives the interval metric dump; nil disables it.
	MetricSink timeseries.Sink
	// Publisher receives the view at interval end; nil disables
	// publication.
	Publisher Publisher
	// Full-feed thresholds for the publish predicate. Zero admits
	// every peer of that family.
	IPv4FullFeedTh uint32
	IPv6FullFeedTh uint32
}

// RoutingTables is the reconstruction engine. It is not safe for
// concurrent use: exactly one goroutine feeds records and drives
// intervals.
type RoutingTables struct {
	logger   *zap.Logger
	peersigs *peersig.Map
	view     *view.View

	collectors map[string]*collector

	kp           *timeseries.KP
	metricPrefix string
	metricsOn    bool

	publisher Publisher
	v4FFTh    uint32
	v6FFTh    uint32

	bgpIntervalStart  uint32
	bgpIntervalEnd    uint32
	wallIntervalStart time.Time

	now func() time.Time
}

// New creates an engine.
func New(opts Options) *RoutingTables {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sigs := opts.Peersigs
	if sigs == nil {
		sigs = peersig.NewMap()
	}

	rt := &RoutingTables{
		logger:     logger,
		peersigs:   sigs,
		collectors: make(map[string]*collector),
		publisher:  opts.Publisher,
		v4FFTh:     opts.IPv4FullFeedTh,
		v6FFTh:     opts.IPv6FullFeedTh,
		now:        time.Now,
	}
	rt.view = view.New(sigs, nil, nil, nil)

	rt.metricPrefix = defaultMetricPrefix
	if opts.MetricPrefix != "" {
		if len(opts.MetricPrefix) > metricPrefixMaxLen {
			logger.Warn("metric prefix too long, using default",
				zap.String("default", defaultMetricPrefix))
		} else {
			rt.metricPrefix = opts.MetricPrefix
		}
	}
	if opts.MetricSink != nil {
		rt.kp = timeseries.NewKP(opts.MetricSink)
		rt.metricsOn = true
	}
	return rt
}

// View exposes the engine's view. Callers must not mutate it outside
// the engine's goroutine.
func (rt *RoutingTables) View() *view.View { return rt.view }

// SetPublisher installs the interval-end publisher. Publishers that
// need a handle on the engine are wired after construction.
func (rt *RoutingTables) SetPublisher(p Publisher) { rt.publisher = p }

// Peersigs returns the signature map the engine interns peers into.
func (rt *RoutingTables) Peersigs() *peersig.Map { return rt.peersigs }

// FullFeedThreshold returns the publish threshold for a family.
func (rt *RoutingTables) FullFeedThreshold(v6 bool) uint32 {
	if v6 {
		return rt.v6FFTh
	}
	return rt.v4FFTh
}

// collectorData finds or creates the state for a record's collector.
func (rt *RoutingTables) collectorData(r *bgp.Record) *collector {
	if c, ok := rt.collectors[r.Collector]; ok {
		return c
	}
	c := &collector{
		name: r.Collector,
		str: timeseries.GraphiteSafe(r.Project) + "." +
			timeseries.GraphiteSafe(r.Collector),
		peerIDs: make(map[peersig.PeerID]struct{}),
		state:   CollectorUnknown,
	}
	rt.collectors[r.Collector] = c
	return c
}

// ProcessRecord applies one record to the engine state.
func (rt *RoutingTables) ProcessRecord(r *bgp.Record) error {
	c := rt.collectorData(r)

	// Records from before the current reference RIB carry no usable
	// information; during a RIB construction the gate moves to the UC
	// start instead.
	if r.RecordTime < c.refRIBStartTime {
		if c.ucRIBDumpTime == 0 || r.RecordTime < c.ucRIBStartTime {
			return nil
		}
	}

	var err error
	switch r.Status {
	case bgp.StatusValid:
		err = rt.processValid(c, r)
		c.validRecordCnt++
	case bgp.StatusCorruptedSource, bgp.StatusCorruptedRecord:
		rt.processCorrupted(c, r)
		c.corruptedRecordCnt++
	case bgp.StatusFilteredSource, bgp.StatusEmptySource:
		// an empty or filtered source leaves the collector state
		// alone, but the observation timestamp is still tracked
		if r.RecordTime < c.bgpTimeLast {
			c.bgpTimeLast = r.RecordTime
		}
		c.emptyRecordCnt++
	default:
		return fmt.Errorf("rt: record with unknown status %d", r.Status)
	}

	rt.updateCollectorState(c, r)
	return err
}

// updateCollectorState recomputes the collector's aggregate state after
// each record.
func (rt *RoutingTables) updateCollectorState(c *collector, r *bgp.Record) {
	if r.RecordTime > c.bgpTimeLast {
		if r.RecordTime > c.bgpTimeLast+collectorWallUpdateFreq {
			c.wallTimeLast = uint32(rt.now().Unix())
		}
		c.bgpTimeLast = r.RecordTime
	}

	// up if any peer is active; unknown if every peer is still in an
	// unknown FSM state; down otherwise
	unknown := true
	c.activePeersCnt = 0
	for p := range rt.view.Peers(view.AllValid) {
		if _, ok := c.peerIDs[p.ID()]; !ok {
			continue
		}
		if p.Active() {
			c.activePeersCnt++
			continue
		}
		if pi, ok := p.User().(*perPeer); ok && pi.fsm != bgp.FSMUnknown {
			unknown = false
		}
	}

	switch {
	case c.activePeersCnt > 0:
		c.state = CollectorUp
	case unknown:
		c.state = CollectorUnknown
	default:
		c.state = CollectorDown
	}
}

// IntervalStart begins a metric/publication interval at bgp time t.
func (rt *RoutingTables) IntervalStart(t uint32) {
	rt.bgpIntervalStart = t
	rt.wallIntervalStart = rt.now()
	rt.view.SetTime(t)
}

// IntervalEnd closes the interval: the view is offered to the
// publisher (full-feed peers only) and interval metrics are flushed.
// Publisher failure is logged and does not disturb engine state.
func (rt *RoutingTables) IntervalEnd(t uint32) error {
	rt.bgpIntervalEnd = t

	if rt.publisher != nil {
		if err := rt.publisher.PublishView(rt.view, rt.filterFFPeers); err != nil {
			rt.logger.Error("view publication failed", zap.Error(err))
		}
	}

	elapsed := rt.now().Sub(rt.wallIntervalStart)
	rt.logger.Info("interval processed",
		zap.Uint32("interval_start", rt.bgpIntervalStart),
		zap.Uint32("interval_end", rt.bgpIntervalEnd),
		zap.Duration("elapsed", elapsed),
	)

	if rt.metricsOn {
		if err := rt.dumpMetrics(rt.bgpIntervalStart, elapsed); err != nil {
			rt.logger.Error("metric dump failed", zap.Error(err))
		}
	}
	return nil
}

// filterFFPeers admits a peer into a published view only when it
// carries a full feed for at least one address family.
func (rt *RoutingTables) filterFFPeers(p *view.Peer) bool {
	return uint32(p.PfxCount(v4Family, view.Active)) >= rt.v4FFTh ||
		uint32(p.PfxCount(v6Family, view.Active)) >= rt.v6FFTh
}

// CollectorStatus is a point-in-time summary of one collector, served
// on the HTTP status endpoint.
type CollectorStatus struct {
	Name            string         `json:"name"`
	State           string         `json:"state"`
	ActivePeers     int            `json:"active_peers"`
	BGPTimeLast     uint32         `json:"bgp_time_last"`
	ValidRecords    uint64         `json:"valid_records"`
	CorruptedRecord uint64         `json:"corrupted_records"`
	EmptyRecords    uint64         `json:"empty_records"`
}

// CollectorStatuses snapshots every known collector.
func (rt *RoutingTables) CollectorStatuses() []CollectorStatus {
	out := make([]CollectorStatus, 0, len(rt.collectors))
	for _, c := range rt.collectors {
		out = append(out, CollectorStatus{
			Name:            c.name,
			State:           c.state.String(),
			ActivePeers:     c.activePeersCnt,
			BGPTimeLast:     c.bgpTimeLast,
			ValidRecords:    c.validRecordCnt,
			CorruptedRecord: c.corruptedRecordCnt,
			EmptyRecords:    c.emptyRecordCnt,
		})
	}
	return out
}
