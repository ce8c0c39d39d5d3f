package admin

import (
	"fmt"
	"strings"

	"github.com/zde37/gochord/internal/chord"
	"github.com/zde37/gochord/pkg/hash"
)

func nodeMap(n *chord.NodeAddress) any {
	if n.IsNil() {
		return nil
	}
	return map[string]any{
		"id":      n.IDText(),
		"address": n.Addr.String(),
	}
}

func ringStateMap(s chord.Snapshot) map[string]any {
	return map[string]any{
		"state":         s.State.String(),
		"self":          nodeMap(s.Self),
		"successor":     nodeMap(s.Successor),
		"predecessor":   nodeMap(s.Predecessor),
		"pending_pings": s.PendingPings,
		"finger_count":  len(s.Fingers),
	}
}

func fingerTableMap(s chord.Snapshot) map[string]any {
	fingers := make([]any, 0, len(s.Fingers))
	for i, f := range s.Fingers {
		if f.IsNil() {
			continue
		}
		fingers = append(fingers, map[string]any{
			"index": i,
			"start": hash.Format(f.Start),
			"node":  nodeMap(f.Node),
		})
	}
	return map[string]any{
		"self":    nodeMap(s.Self),
		"fingers": fingers,
	}
}

func dumpNode(n *chord.NodeAddress) string {
	if n.IsNil() {
		return "-"
	}
	return fmt.Sprintf("%s %s", n.IDText(), n.Addr)
}

func dumpSnapshot(s chord.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state:         %s\n", s.State)
	fmt.Fprintf(&b, "self:          %s\n", dumpNode(s.Self))
	fmt.Fprintf(&b, "successor:     %s\n", dumpNode(s.Successor))
	fmt.Fprintf(&b, "predecessor:   %s\n", dumpNode(s.Predecessor))
	fmt.Fprintf(&b, "pending pings: %d\n", s.PendingPings)
	for i, f := range s.Fingers {
		if f.IsNil() {
			fmt.Fprintf(&b, "finger[%d]:     -\n", i)
			continue
		}
		fmt.Fprintf(&b, "finger[%d]:     start=%s node=%s\n", i, hash.Format(f.Start), dumpNode(f.Node))
	}
	return b.String()
}
