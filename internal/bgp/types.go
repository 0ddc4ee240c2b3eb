package bgp

import (
	"net/netip"
)

// DumpType identifies the kind of dump a record was extracted from.
type DumpType uint8

const (
	DumpTypeUpdate DumpType = iota
	DumpTypeRIB
)

// DumpPos marks where a record sits inside its dump file.
type DumpPos uint8

const (
	DumpPosStart DumpPos = iota
	DumpPosMiddle
	DumpPosEnd
)

// RecordStatus is the upstream dumper's verdict on a record.
type RecordStatus uint8

const (
	StatusValid RecordStatus = iota
	StatusCorruptedSource
	StatusCorruptedRecord
	StatusFilteredSource
	StatusEmptySource
)

// ElemType identifies the kind of information an element carries.
type ElemType uint8

const (
	ElemTypeRIB ElemType = iota
	ElemTypeAnnouncement
	ElemTypeWithdrawal
	ElemTypePeerState
)

// FSMState is a BGP finite-state-machine state as reported by the
// collector. Unknown means the state has never been observed.
type FSMState uint8

const (
	FSMUnknown FSMState = iota
	FSMIdle
	FSMConnect
	FSMActive
	FSMOpenSent
	FSMOpenConfirm
	FSMEstablished
)

func (s FSMState) String() string {
	switch s {
	case FSMIdle:
		return "idle"
	case FSMConnect:
		return "connect"
	case FSMActive:
		return "active"
	case FSMOpenSent:
		return "opensent"
	case FSMOpenConfirm:
		return "openconfirm"
	case FSMEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Record is a single parsed record from a collector dump. Raw wire
// decoding happens upstream; a Record arrives here fully parsed.
type Record struct {
	Project    string
	Collector  string
	DumpType   DumpType
	DumpPos    DumpPos
	DumpTime   uint32 // unix seconds of the dump the record belongs to
	RecordTime uint32 // unix seconds of the record itself
	Status     RecordStatus
	Elems      []Elem
}

// Elem is one piece of routing information inside a record.
type Elem struct {
	Type     ElemType
	PeerIP   netip.Addr
	PeerASN  uint32
	Prefix   netip.Prefix // zero for PeerState elements
	ASPath   ASPath       // only for RIB / Announcement elements
	NewState FSMState     // only for PeerState elements
}

// Segment is one AS-path segment: either a single ASN or a marker for
// an AS_SET / AS_CONFED grouping.
type Segment struct {
	ASN uint32
	Set bool // true for SET / CONFEDERATION segments
}

// ASPath is an ordered list of path segments, origin last.
type ASPath struct {
	Segments []Segment
}

// Len returns the number of segments in the path.
func (p ASPath) Len() int { return len(p.Segments) }

// Origin returns the origin (last) segment and whether one exists.
func (p ASPath) Origin() (Segment, bool) {
	if len(p.Segments) == 0 {
		return Segment{}, false
	}
	return p.Segments[len(p.Segments)-1], true
}

// First returns the leading segment and whether one exists.
func (p ASPath) First() (Segment, bool) {
	if len(p.Segments) == 0 {
		return Segment{}, false
	}
	return p.Segments[0], true
}
