package projector

import (
	"encoding/json"

	"graphflow/event"
)

// Edge is a directed referral: From referred To.
type Edge struct {
	From string
	To   string
}

// Pair is an unordered friendship pair, canonicalized so A < B by name.
// The id-level canonical ordering happens at commit time.
type Pair struct {
	A string
	B string
}

// LogRecord is one append-only transaction log row. Subject follows the
// upstream convention: the registered user, the referred user, or user1
// of a friendship event.
type LogRecord struct {
	Subject string
	Type    string
	Data    json.RawMessage
}

// Plan is the grouped, de-duplicated form of one popped batch, ready for
// id resolution and a single commit.
type Plan struct {
	// Names holds every distinct user name referenced by the batch, in
	// first-seen order.
	Names []string
	// Referrals preserves input order; duplicate directed edges survive
	// planning and are absorbed by the store's skip-on-conflict insert.
	Referrals []Edge
	// Friendships and Unfriendships carry at most one entry per pair:
	// runs of addfriend and unfriend coalesce to the terminal operation.
	// A pair added and then unfriended within the batch appears in both,
	// so the upsert materializes the row the guarded inactivation flips.
	Friendships   []Pair
	Unfriendships []Pair
	// Logs carries exactly one record per input event, in input order,
	// regardless of coalescing.
	Logs []LogRecord
}

// Empty reports whether the plan would issue no statements.
func (p Plan) Empty() bool {
	return len(p.Names) == 0 && len(p.Logs) == 0
}

// EventCount returns the number of events that produced this plan.
func (p Plan) EventCount() int { return len(p.Logs) }

// BuildPlan groups a decoded batch into bulk operations. It is pure: no
// I/O, no id knowledge.
func BuildPlan(events []event.Event) Plan {
	var plan Plan
	seen := make(map[string]struct{})
	addName := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		plan.Names = append(plan.Names, name)
	}

	// terminal tracks the last friendship operation per pair; pairOrder
	// keeps first-seen order so commits stay deterministic for a given
	// batch.
	terminal := make(map[Pair]event.Kind)
	added := make(map[Pair]bool)
	var pairOrder []Pair
	recordPair := func(u1, u2 string, kind event.Kind) {
		if u1 == u2 {
			// A self-pair cannot satisfy the canonical user1 < user2
			// ordering; drop the edge but keep the log record.
			return
		}
		p := canonicalPair(u1, u2)
		if _, ok := terminal[p]; !ok {
			pairOrder = append(pairOrder, p)
		}
		terminal[p] = kind
		if kind == event.KindAddFriend {
			added[p] = true
		}
	}

	for _, ev := range events {
		switch e := ev.(type) {
		case event.Register:
			addName(e.Name)
			plan.Logs = append(plan.Logs, LogRecord{Subject: e.Name, Type: "register", Data: e.Payload})
		case event.Referral:
			addName(e.ReferredBy)
			addName(e.User)
			plan.Referrals = append(plan.Referrals, Edge{From: e.ReferredBy, To: e.User})
			plan.Logs = append(plan.Logs, LogRecord{Subject: e.User, Type: "referral", Data: e.Payload})
		case event.AddFriend:
			addName(e.User1Name)
			addName(e.User2Name)
			recordPair(e.User1Name, e.User2Name, event.KindAddFriend)
			plan.Logs = append(plan.Logs, LogRecord{Subject: e.User1Name, Type: "addfriend", Data: e.Payload})
		case event.Unfriend:
			addName(e.User1Name)
			addName(e.User2Name)
			recordPair(e.User1Name, e.User2Name, event.KindUnfriend)
			plan.Logs = append(plan.Logs, LogRecord{Subject: e.User1Name, Type: "unfriend", Data: e.Payload})
		}
	}

	for _, p := range pairOrder {
		if terminal[p] == event.KindAddFriend {
			plan.Friendships = append(plan.Friendships, p)
			continue
		}
		// A pair added earlier in the batch may have no stored row yet;
		// the upsert creates it so the guarded inactivation has a row to
		// flip, leaving the terminal INACTIVE state either way.
		if added[p] {
			plan.Friendships = append(plan.Friendships, p)
		}
		plan.Unfriendships = append(plan.Unfriendships, p)
	}

	return plan
}

func canonicalPair(u1, u2 string) Pair {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return Pair{A: u1, B: u2}
}
