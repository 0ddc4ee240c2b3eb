// table-dump replays JSON records from stdin through the
// reconstruction engine and prints the resulting table: one line per
// active (collector, peer, prefix, origin) tuple. A debugging aid for
// inspecting what a record stream reconstructs to.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/filter"
	"github.com/route-beacon/rib-rebuilder/internal/patricia"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"go.uber.org/zap"
)

func main() {
	filterExpr := flag.String("filter", "", "filter expression applied to records")
	showInactive := flag.Bool("inactive", false, "also print inactive cells")
	flag.Parse()

	logger := zap.NewNop()

	var recordFilter *filter.Filter
	if *filterExpr != "" {
		var err error
		recordFilter, err = filter.Parse(*filterExpr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad filter: %v\n", err)
			os.Exit(1)
		}
	}

	sigs := peersig.NewMap()
	engine := rt.New(rt.Options{Logger: logger, Peersigs: sigs})

	lines, processed, failed := 0, 0, 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r, err := bgp.DecodeRecord([]byte(line))
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lines, err)
			failed++
			continue
		}
		if recordFilter != nil {
			if r = recordFilter.Apply(r); r == nil {
				continue
			}
		}
		if err := engine.ProcessRecord(r); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lines, err)
			failed++
			continue
		}
		processed++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "reading stdin: %v\n", err)
		os.Exit(1)
	}

	v := engine.View()
	cellFilter := view.Active
	if *showInactive {
		cellFilter = view.AllValid
	}
	for pp := range v.PfxPeers(cellFilter) {
		sig, ok := sigs.Signature(pp.Peer().ID())
		if !ok {
			continue
		}
		state := "active"
		if !pp.Active() {
			state = "inactive"
		}
		fmt.Printf("%s %s AS%d %s origin=%s state=%s\n",
			sig.Collector, sig.PeerIP, sig.PeerASN,
			pp.Prefix(), originString(pp.OriginASN()), state)
	}

	fmt.Fprintf(os.Stderr, "%d records processed, %d failed, %d peers, %d v4 + %d v6 prefixes\n",
		processed, failed, sigs.Len(),
		v.PfxCount(patricia.IPv4, cellFilter),
		v.PfxCount(patricia.IPv6, cellFilter))
}

func originString(asn uint32) string {
	switch asn {
	case rt.LocalOriginASN:
		return "local"
	case rt.ConfSetOriginASN:
		return "confset"
	case rt.DownOriginASN:
		return "down"
	default:
		return fmt.Sprintf("AS%d", asn)
	}
}
