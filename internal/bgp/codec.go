package bgp

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// wireRecord is the JSON shape the upstream dumper produces on the
// record topics. Times are unix seconds, AS paths are space-separated
// with {..} marking SET/CONFED segments, e.g. "6447 3356 {64512 64513}".
type wireRecord struct {
	Project    string     `json:"project"`
	Collector  string     `json:"collector"`
	DumpType   string     `json:"dump_type"`
	DumpPos    string     `json:"dump_pos"`
	DumpTime   uint32     `json:"dump_time"`
	RecordTime uint32     `json:"record_time"`
	Status     string     `json:"status"`
	Elems      []wireElem `json:"elems"`
}

type wireElem struct {
	Type     string `json:"type"`
	PeerIP   string `json:"peer_ip"`
	PeerASN  uint32 `json:"peer_asn"`
	Prefix   string `json:"prefix,omitempty"`
	ASPath   string `json:"as_path,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// DecodeRecord parses one JSON record as produced by the dumper.
func DecodeRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bgp: decode record: %w", err)
	}
	if w.Collector == "" {
		return nil, fmt.Errorf("bgp: record without collector")
	}

	r := &Record{
		Project:    w.Project,
		Collector:  w.Collector,
		DumpTime:   w.DumpTime,
		RecordTime: w.RecordTime,
	}

	switch w.DumpType {
	case "rib":
		r.DumpType = DumpTypeRIB
	case "update", "":
		r.DumpType = DumpTypeUpdate
	default:
		return nil, fmt.Errorf("bgp: unknown dump type %q", w.DumpType)
	}

	switch w.DumpPos {
	case "start":
		r.DumpPos = DumpPosStart
	case "middle", "":
		r.DumpPos = DumpPosMiddle
	case "end":
		r.DumpPos = DumpPosEnd
	default:
		return nil, fmt.Errorf("bgp: unknown dump position %q", w.DumpPos)
	}

	switch w.Status {
	case "valid", "":
		r.Status = StatusValid
	case "corrupted_source":
		r.Status = StatusCorruptedSource
	case "corrupted_record":
		r.Status = StatusCorruptedRecord
	case "filtered_source":
		r.Status = StatusFilteredSource
	case "empty_source":
		r.Status = StatusEmptySource
	default:
		return nil, fmt.Errorf("bgp: unknown record status %q", w.Status)
	}

	for i := range w.Elems {
		elem, err := decodeElem(&w.Elems[i])
		if err != nil {
			return nil, err
		}
		r.Elems = append(r.Elems, elem)
	}
	return r, nil
}

func decodeElem(w *wireElem) (Elem, error) {
	var e Elem

	switch w.Type {
	case "rib":
		e.Type = ElemTypeRIB
	case "announcement":
		e.Type = ElemTypeAnnouncement
	case "withdrawal":
		e.Type = ElemTypeWithdrawal
	case "peerstate":
		e.Type = ElemTypePeerState
	default:
		return e, fmt.Errorf("bgp: unknown elem type %q", w.Type)
	}

	addr, err := netip.ParseAddr(w.PeerIP)
	if err != nil {
		return e, fmt.Errorf("bgp: elem peer ip: %w", err)
	}
	e.PeerIP = addr
	e.PeerASN = w.PeerASN

	if e.Type != ElemTypePeerState {
		pfx, err := netip.ParsePrefix(w.Prefix)
		if err != nil {
			return e, fmt.Errorf("bgp: elem prefix: %w", err)
		}
		e.Prefix = pfx.Masked()
	}

	if e.Type == ElemTypeRIB || e.Type == ElemTypeAnnouncement {
		path, err := ParseASPath(w.ASPath)
		if err != nil {
			return e, err
		}
		e.ASPath = path
	}

	if e.Type == ElemTypePeerState {
		st, err := parseFSMState(w.NewState)
		if err != nil {
			return e, err
		}
		e.NewState = st
	}
	return e, nil
}

func parseFSMState(s string) (FSMState, error) {
	switch s {
	case "idle":
		return FSMIdle, nil
	case "connect":
		return FSMConnect, nil
	case "active":
		return FSMActive, nil
	case "opensent":
		return FSMOpenSent, nil
	case "openconfirm":
		return FSMOpenConfirm, nil
	case "established":
		return FSMEstablished, nil
	case "unknown", "":
		return FSMUnknown, nil
	}
	return FSMUnknown, fmt.Errorf("bgp: unknown fsm state %q", s)
}

// ParseASPath parses a space-separated AS path. A {..} group collapses
// into a single SET segment, matching how the dumper renders AS_SET and
// AS_CONFED groupings.
func ParseASPath(s string) (ASPath, error) {
	var path ASPath
	fields := strings.Fields(s)
	inSet := false
	for _, f := range fields {
		if strings.HasPrefix(f, "{") {
			inSet = true
			f = strings.TrimPrefix(f, "{")
		}
		closes := false
		if strings.HasSuffix(f, "}") {
			closes = true
			f = strings.TrimSuffix(f, "}")
		}
		if f != "" && !inSet {
			asn, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return ASPath{}, fmt.Errorf("bgp: as path segment %q: %w", f, err)
			}
			path.Segments = append(path.Segments, Segment{ASN: uint32(asn)})
		}
		if inSet && closes {
			// the whole group is one opaque segment
			path.Segments = append(path.Segments, Segment{Set: true})
		}
		if closes {
			inSet = false
		}
	}
	if inSet {
		return ASPath{}, fmt.Errorf("bgp: unterminated as set in %q", s)
	}
	return path, nil
}
