package event

import (
	"encoding/json"
	"time"
)

// Kind discriminates the closed set of social-graph mutations carried
// on the queue.
type Kind string

const (
	KindRegister  Kind = "register"
	KindReferral  Kind = "referral"
	KindAddFriend Kind = "addfriend"
	KindUnfriend  Kind = "unfriend"
)

// Event is one decoded queue payload. The concrete type is always one
// of Register, Referral, AddFriend or Unfriend; consumers switch on the
// type rather than on Kind().
type Event interface {
	Kind() Kind
	// Raw returns the original queue payload, preserved verbatim for
	// the transaction log.
	Raw() json.RawMessage
}

type Register struct {
	Name      string
	CreatedAt time.Time
	Payload   json.RawMessage
}

func (Register) Kind() Kind { return KindRegister }
func (e Register) Raw() json.RawMessage { return e.Payload }

type Referral struct {
	ReferredBy string
	User       string
	CreatedAt  time.Time
	Payload    json.RawMessage
}

func (Referral) Kind() Kind { return KindReferral }
func (e Referral) Raw() json.RawMessage { return e.Payload }

type AddFriend struct {
	User1Name string
	User2Name string
	CreatedAt time.Time
	Payload   json.RawMessage
}

func (AddFriend) Kind() Kind { return KindAddFriend }
func (e AddFriend) Raw() json.RawMessage { return e.Payload }

type Unfriend struct {
	User1Name string
	User2Name string
	CreatedAt time.Time
	Payload   json.RawMessage
}

func (Unfriend) Kind() Kind { return KindUnfriend }
func (e Unfriend) Raw() json.RawMessage { return e.Payload }
