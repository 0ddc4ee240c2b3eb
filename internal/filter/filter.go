// Package filter parses filter expressions of the form
//
//	<term> <value> [<value> ...] [and <term> <value> ...]
//
// and evaluates them against decoded records and elements. Values for
// the same term are OR'd, terms are AND'd. Prefix terms accept an
// optional exact/more/less/any qualifier before the value; values with
// spaces can be double-quoted.
package filter

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/patricia"
)

// prefixMode qualifies how a prefix value matches.
type prefixMode uint8

const (
	prefixExact prefixMode = iota
	prefixMore             // the value or any more specific prefix
	prefixLess             // the value or any less specific prefix
	prefixAny              // any overlap in either direction
)

// Filter is a compiled filter expression. The zero value matches
// everything.
type Filter struct {
	projects   map[string]struct{}
	collectors map[string]struct{}
	dumpTypes  map[bgp.DumpType]struct{}
	elemTypes  map[bgp.ElemType]struct{}
	peerASNs   map[uint32]struct{}
	ipVersion  uint8 // 0, 4 or 6
	asPaths    []*regexp.Regexp

	// one tree per qualifier; an element prefix is tested against
	// each populated tree
	pfxTrees [4]*patricia.Tree
}

// parser states, one per token class.
type parseState uint8

const (
	stateTerm parseState = iota
	statePrefixExt
	stateValue
	stateQuotedValue
	stateEndValue
)

// current accumulates one term's context while its values are read.
type current struct {
	term    string
	pfxMode prefixMode
	quoted  []string
}

// Parse compiles a filter expression. The empty string compiles to a
// match-all filter.
func Parse(s string) (*Filter, error) {
	f := &Filter{}
	state := stateTerm
	cur := &current{}

	for _, tok := range strings.Fields(s) {
		switch state {
		case stateTerm:
			var err error
			state, err = f.parseTerm(tok, cur)
			if err != nil {
				return nil, err
			}

		case statePrefixExt:
			switch tok {
			case "exact":
				cur.pfxMode = prefixExact
				state = stateValue
			case "more":
				cur.pfxMode = prefixMore
				state = stateValue
			case "less":
				cur.pfxMode = prefixLess
				state = stateValue
			case "any":
				cur.pfxMode = prefixAny
				state = stateValue
			default:
				// no qualifier, the token is already the value
				if err := f.addValue(cur, tok); err != nil {
					return nil, err
				}
				state = stateEndValue
			}

		case stateValue:
			if strings.HasPrefix(tok, `"`) {
				cur.quoted = cur.quoted[:0]
				rest := strings.TrimPrefix(tok, `"`)
				done, err := f.appendQuoted(cur, rest)
				if err != nil {
					return nil, err
				}
				if done {
					state = stateEndValue
				} else {
					state = stateQuotedValue
				}
				continue
			}
			if err := f.addValue(cur, tok); err != nil {
				return nil, err
			}
			state = stateEndValue

		case stateQuotedValue:
			done, err := f.appendQuoted(cur, tok)
			if err != nil {
				return nil, err
			}
			if done {
				state = stateEndValue
			}

		case stateEndValue:
			if tok == "and" {
				state = stateTerm
				cur = &current{}
				continue
			}
			if tok == "or" {
				return nil, fmt.Errorf("filter: 'or' conjunctions are not supported")
			}
			// another value for the same term
			if err := f.addValue(cur, tok); err != nil {
				return nil, err
			}
		}
	}

	switch state {
	case stateTerm:
		if cur.term != "" {
			return nil, fmt.Errorf("filter: dangling term %q", cur.term)
		}
	case stateEndValue:
		// complete expression
	default:
		return nil, fmt.Errorf("filter: expression ends mid-value")
	}
	return f, nil
}

func (f *Filter) parseTerm(term string, cur *current) (parseState, error) {
	cur.term = term
	switch term {
	case "project", "proj", "collector", "coll", "type", "peer",
		"aspath", "path", "ipversion", "ipv", "elemtype":
		return stateValue, nil
	case "prefix", "pref":
		cur.pfxMode = prefixExact
		return statePrefixExt, nil
	case "community", "comm", "extcommunity", "extc":
		return 0, fmt.Errorf("filter: %s filtering is not supported by this feed", term)
	case "router", "rout":
		return 0, fmt.Errorf("filter: router filtering is not supported by this feed")
	}
	return 0, fmt.Errorf("filter: unknown term %q", term)
}

// appendQuoted collects quoted tokens until the closing quote; reports
// whether the value is complete.
func (f *Filter) appendQuoted(cur *current, tok string) (bool, error) {
	if i := strings.IndexByte(tok, '"'); i >= 0 {
		if part := tok[:i]; part != "" {
			cur.quoted = append(cur.quoted, part)
		}
		return true, f.addValue(cur, strings.Join(cur.quoted, " "))
	}
	if tok != "" {
		cur.quoted = append(cur.quoted, tok)
	}
	return false, nil
}

func (f *Filter) addValue(cur *current, value string) error {
	switch cur.term {
	case "project", "proj":
		if f.projects == nil {
			f.projects = make(map[string]struct{})
		}
		f.projects[value] = struct{}{}

	case "collector", "coll":
		if f.collectors == nil {
			f.collectors = make(map[string]struct{})
		}
		f.collectors[value] = struct{}{}

	case "type":
		if f.dumpTypes == nil {
			f.dumpTypes = make(map[bgp.DumpType]struct{})
		}
		switch value {
		case "ribs":
			f.dumpTypes[bgp.DumpTypeRIB] = struct{}{}
		case "updates":
			f.dumpTypes[bgp.DumpTypeUpdate] = struct{}{}
		default:
			return fmt.Errorf("filter: unknown record type %q", value)
		}

	case "elemtype":
		if f.elemTypes == nil {
			f.elemTypes = make(map[bgp.ElemType]struct{})
		}
		switch value {
		case "ribs":
			f.elemTypes[bgp.ElemTypeRIB] = struct{}{}
		case "announcements":
			f.elemTypes[bgp.ElemTypeAnnouncement] = struct{}{}
		case "withdrawals":
			f.elemTypes[bgp.ElemTypeWithdrawal] = struct{}{}
		case "peerstates":
			f.elemTypes[bgp.ElemTypePeerState] = struct{}{}
		default:
			return fmt.Errorf("filter: unknown elem type %q", value)
		}

	case "peer":
		asn, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("filter: peer asn %q: %w", value, err)
		}
		if f.peerASNs == nil {
			f.peerASNs = make(map[uint32]struct{})
		}
		f.peerASNs[uint32(asn)] = struct{}{}

	case "prefix", "pref":
		pfx, err := netip.ParsePrefix(value)
		if err != nil {
			return fmt.Errorf("filter: prefix %q: %w", value, err)
		}
		if f.pfxTrees[cur.pfxMode] == nil {
			f.pfxTrees[cur.pfxMode] = patricia.NewTree(nil)
		}
		f.pfxTrees[cur.pfxMode].Insert(pfx.Masked())

	case "aspath", "path":
		re, err := regexp.Compile(value)
		if err != nil {
			return fmt.Errorf("filter: aspath %q: %w", value, err)
		}
		f.asPaths = append(f.asPaths, re)

	case "ipversion", "ipv":
		switch value {
		case "4":
			f.ipVersion = 4
		case "6":
			f.ipVersion = 6
		default:
			return fmt.Errorf("filter: ip version %q", value)
		}

	default:
		return fmt.Errorf("filter: value %q without a term", value)
	}
	return nil
}

// MatchRecord evaluates the record-level terms.
func (f *Filter) MatchRecord(r *bgp.Record) bool {
	if f.projects != nil {
		if _, ok := f.projects[r.Project]; !ok {
			return false
		}
	}
	if f.collectors != nil {
		if _, ok := f.collectors[r.Collector]; !ok {
			return false
		}
	}
	if f.dumpTypes != nil {
		if _, ok := f.dumpTypes[r.DumpType]; !ok {
			return false
		}
	}
	return true
}

// MatchElem evaluates the element-level terms.
func (f *Filter) MatchElem(e *bgp.Elem) bool {
	if f.elemTypes != nil {
		if _, ok := f.elemTypes[e.Type]; !ok {
			return false
		}
	}
	if f.peerASNs != nil {
		if _, ok := f.peerASNs[e.PeerASN]; !ok {
			return false
		}
	}
	if e.Type != bgp.ElemTypePeerState {
		if f.ipVersion == 4 && !e.Prefix.Addr().Is4() {
			return false
		}
		if f.ipVersion == 6 && e.Prefix.Addr().Is4() {
			return false
		}
		if !f.matchPrefix(e.Prefix) {
			return false
		}
	}
	if len(f.asPaths) > 0 {
		if e.Type != bgp.ElemTypeRIB && e.Type != bgp.ElemTypeAnnouncement {
			return false
		}
		if !f.matchASPath(e.ASPath) {
			return false
		}
	}
	return true
}

func (f *Filter) matchPrefix(pfx netip.Prefix) bool {
	hasPrefixTerm := false
	for _, tree := range f.pfxTrees {
		if tree != nil {
			hasPrefixTerm = true
			break
		}
	}
	if !hasPrefixTerm {
		return true
	}

	if tree := f.pfxTrees[prefixExact]; tree != nil {
		if tree.SearchExact(pfx) != nil {
			return true
		}
	}
	if tree := f.pfxTrees[prefixMore]; tree != nil {
		// the element prefix equals a filter prefix or sits below one
		if tree.SearchExact(pfx) != nil ||
			tree.OverlapInfo(pfx)&patricia.LessSpecifics != 0 {
			return true
		}
	}
	if tree := f.pfxTrees[prefixLess]; tree != nil {
		if tree.SearchExact(pfx) != nil ||
			tree.OverlapInfo(pfx)&patricia.MoreSpecifics != 0 {
			return true
		}
	}
	if tree := f.pfxTrees[prefixAny]; tree != nil {
		if tree.SearchExact(pfx) != nil || tree.OverlapInfo(pfx) != 0 {
			return true
		}
	}
	return false
}

func (f *Filter) matchASPath(path bgp.ASPath) bool {
	var b strings.Builder
	for i, seg := range path.Segments {
		if i > 0 {
			b.WriteByte(' ')
		}
		if seg.Set {
			b.WriteString("{}")
		} else {
			b.WriteString(strconv.FormatUint(uint64(seg.ASN), 10))
		}
	}
	rendered := b.String()
	for _, re := range f.asPaths {
		if re.MatchString(rendered) {
			return true
		}
	}
	return false
}

// Apply filters a record in place: nil when the record itself is
// excluded, otherwise the record with non-matching elements dropped.
// PeerState elements survive element-level prefix filters so session
// tracking stays intact.
func (f *Filter) Apply(r *bgp.Record) *bgp.Record {
	if !f.MatchRecord(r) {
		return nil
	}
	if len(r.Elems) == 0 {
		return r
	}
	kept := r.Elems[:0]
	for i := range r.Elems {
		if f.MatchElem(&r.Elems[i]) {
			kept = append(kept, r.Elems[i])
		}
	}
	r.Elems = kept
	return r
}
