package rt

import (
	"time"
)

// collectorMetricIdx caches the kp indexes of one collector's series.
type collectorMetricIdx struct {
	validRecords     int
	corruptedRecords int
	emptyRecords     int
	state            int
	activePeers      int
	activeASNs       int
}

// peerMetricIdx caches the kp indexes of one peer's series.
type peerMetricIdx struct {
	ribMessages        int
	stateMessages      int
	announcements      int
	withdrawals        int
	positiveMismatches int
	negativeMismatches int
	announcingASNs     int
	announcedV4        int
	withdrawnV4        int
	announcedV6        int
	withdrawnV6        int
}

func (rt *RoutingTables) collectorMetricIdx(c *collector) *collectorMetricIdx {
	if c.metricIdx != nil {
		return c.metricIdx
	}
	key := func(leaf string) int {
		return rt.kp.AddKey(rt.metricPrefix + "." + c.str + "." + leaf)
	}
	c.metricIdx = &collectorMetricIdx{
		validRecords:     key("valid_record_cnt"),
		corruptedRecords: key("corrupted_record_cnt"),
		emptyRecords:     key("empty_record_cnt"),
		state:            key("collector_state"),
		activePeers:      key("active_peers_cnt"),
		activeASNs:       key("active_asns_cnt"),
	}
	return c.metricIdx
}

func (rt *RoutingTables) peerMetricIdx(pi *perPeer) *peerMetricIdx {
	if pi.metricIdx != nil {
		return pi.metricIdx
	}
	key := func(leaf string) int {
		return rt.kp.AddKey(rt.metricPrefix + "." + pi.collectorStr + "." +
			pi.peerStr + "." + leaf)
	}
	pi.metricIdx = &peerMetricIdx{
		ribMessages:        key("rib_messages_cnt"),
		stateMessages:      key("state_messages_cnt"),
		announcements:      key("announcements_cnt"),
		withdrawals:        key("withdrawals_cnt"),
		positiveMismatches: key("rib_positive_mismatches_cnt"),
		negativeMismatches: key("rib_negative_mismatches_cnt"),
		announcingASNs:     key("announcing_asns_cnt"),
		announcedV4:        key("announced_v4_pfxs_cnt"),
		withdrawnV4:        key("withdrawn_v4_pfxs_cnt"),
		announcedV6:        key("announced_v6_pfxs_cnt"),
		withdrawnV6:        key("withdrawn_v6_pfxs_cnt"),
	}
	return pi.metricIdx
}

// dumpMetrics flushes one interval's counters through the key package
// and resets the per-interval state.
func (rt *RoutingTables) dumpMetrics(ts uint32, elapsed time.Duration) error {
	procIdx := rt.kp.AddKey(rt.metricPrefix + ".meta.processing_time")
	rt.kp.Set(procIdx, uint64(elapsed/time.Second))

	for _, c := range rt.collectors {
		idx := rt.collectorMetricIdx(c)
		rt.kp.Set(idx.validRecords, c.validRecordCnt)
		rt.kp.Set(idx.corruptedRecords, c.corruptedRecordCnt)
		rt.kp.Set(idx.emptyRecords, c.emptyRecordCnt)
		rt.kp.Set(idx.state, uint64(c.state))
		rt.kp.Set(idx.activePeers, uint64(c.activePeersCnt))

		// ASN diversity: union of this collector's peers' announcing
		// ASNs over the interval
		activeASNs := make(map[uint32]struct{})
		for id := range c.peerIDs {
			p := rt.view.Peer(id)
			if p == nil {
				continue
			}
			pi, ok := p.User().(*perPeer)
			if !ok {
				continue
			}
			for asn := range pi.announcingASNs {
				activeASNs[asn] = struct{}{}
			}

			pidx := rt.peerMetricIdx(pi)
			rt.kp.Set(pidx.ribMessages, pi.ribMessages)
			rt.kp.Set(pidx.stateMessages, pi.stateMessages)
			rt.kp.Set(pidx.announcements, pi.pfxAnnouncements)
			rt.kp.Set(pidx.withdrawals, pi.pfxWithdrawals)
			rt.kp.Set(pidx.positiveMismatches, pi.ribPositiveMismatches)
			rt.kp.Set(pidx.negativeMismatches, pi.ribNegativeMismatches)
			rt.kp.Set(pidx.announcingASNs, uint64(len(pi.announcingASNs)))
			rt.kp.Set(pidx.announcedV4, uint64(len(pi.announcedV4)))
			rt.kp.Set(pidx.withdrawnV4, uint64(len(pi.withdrawnV4)))
			rt.kp.Set(pidx.announcedV6, uint64(len(pi.announcedV6)))
			rt.kp.Set(pidx.withdrawnV6, uint64(len(pi.withdrawnV6)))

			rt.resetPeerInterval(pi)
		}
		rt.kp.Set(idx.activeASNs, uint64(len(activeASNs)))

		c.validRecordCnt = 0
		c.corruptedRecordCnt = 0
		c.emptyRecordCnt = 0
	}

	return rt.kp.Flush(ts)
}

// resetPeerInterval clears one peer's per-interval counters and sets.
func (rt *RoutingTables) resetPeerInterval(pi *perPeer) {
	pi.ribMessages = 0
	pi.stateMessages = 0
	pi.pfxAnnouncements = 0
	pi.pfxWithdrawals = 0
	pi.ribPositiveMismatches = 0
	pi.ribNegativeMismatches = 0
	clear(pi.announcingASNs)
	clear(pi.announcedV4)
	clear(pi.withdrawnV4)
	clear(pi.announcedV6)
	clear(pi.withdrawnV6)
}
