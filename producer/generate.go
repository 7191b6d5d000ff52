package producer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Mix weights the four event kinds; values are percentages and must sum
// to at most 100, with unfriend taking the remainder.
type Mix struct {
	RegisterPct  int
	ReferralPct  int
	AddFriendPct int
}

// DefaultMix mirrors the upstream synthetic workload: friendship churn
// dominates.
var DefaultMix = Mix{RegisterPct: 20, ReferralPct: 10, AddFriendPct: 50}

// Generator emits wire-format JSON payloads over a bounded synthetic
// population, so duplicate names and edges occur at realistic rates.
type Generator struct {
	rng   *rand.Rand
	users int
	mix   Mix
	now   func() time.Time
}

func NewGenerator(users int, mix Mix, seed int64) *Generator {
	if users < 2 {
		users = 2
	}
	return &Generator{
		rng:   rand.New(rand.NewSource(seed)),
		users: users,
		mix:   mix,
		now:   time.Now,
	}
}

// WithClock overrides the timestamp source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

type wireRegister struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type wireReferral struct {
	Type       string `json:"type"`
	ReferredBy string `json:"referredBy"`
	User       string `json:"user"`
	CreatedAt  string `json:"created_at"`
}

type wireFriendship struct {
	Type      string `json:"type"`
	User1Name string `json:"user1_name"`
	User2Name string `json:"user2_name"`
	CreatedAt string `json:"created_at"`
}

// Next returns one JSON-encoded event payload.
func (g *Generator) Next() []byte {
	ts := g.now().UTC().Format("2006-01-02T15:04:05.000Z")
	roll := g.rng.Intn(100)

	var payload any
	switch {
	case roll < g.mix.RegisterPct:
		payload = wireRegister{Type: "register", Name: g.name(), CreatedAt: ts}
	case roll < g.mix.RegisterPct+g.mix.ReferralPct:
		a, b := g.pair()
		payload = wireReferral{Type: "referral", ReferredBy: a, User: b, CreatedAt: ts}
	case roll < g.mix.RegisterPct+g.mix.ReferralPct+g.mix.AddFriendPct:
		a, b := g.pair()
		payload = wireFriendship{Type: "addfriend", User1Name: a, User2Name: b, CreatedAt: ts}
	default:
		a, b := g.pair()
		payload = wireFriendship{Type: "unfriend", User1Name: a, User2Name: b, CreatedAt: ts}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		panic(err) // static structs, cannot fail
	}
	return b
}

// Batch returns n payloads.
func (g *Generator) Batch(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

func (g *Generator) name() string {
	return fmt.Sprintf("user%05d", g.rng.Intn(g.users))
}

// pair returns two distinct names.
func (g *Generator) pair() (string, string) {
	a := g.rng.Intn(g.users)
	b := g.rng.Intn(g.users - 1)
	if b >= a {
		b++
	}
	return fmt.Sprintf("user%05d", a), fmt.Sprintf("user%05d", b)
}
