package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// MaxNameLen is the longest accepted user name, in characters. The
// store column is varchar(255), which also counts characters; longer
// names are rejected rather than truncated, since truncation would
// fork identities.
const MaxNameLen = 255

var ErrMalformed = errors.New("event: malformed payload")

// envelope is the superset of all wire fields; the type discriminator
// selects which ones are required.
type envelope struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	ReferredBy string `json:"referredBy"`
	User       string `json:"user"`
	User1Name  string `json:"user1_name"`
	User2Name  string `json:"user2_name"`
	CreatedAt  string `json:"created_at"`
}

// Decode parses a single queue payload into its Event variant. The
// original payload bytes are retained on the returned event.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("event: unmarshal: %w", err)
	}

	// created_at is informational only: the projector stamps rows with
	// commit-time wall clock, so an unparseable timestamp is tolerated.
	ts := parseTimestamp(env.CreatedAt)
	payload := json.RawMessage(raw)

	switch Kind(env.Type) {
	case KindRegister:
		if !validName(env.Name) {
			return nil, fmt.Errorf("event: register: bad name: %w", ErrMalformed)
		}
		return Register{Name: env.Name, CreatedAt: ts, Payload: payload}, nil
	case KindReferral:
		if !validName(env.ReferredBy) || !validName(env.User) {
			return nil, fmt.Errorf("event: referral: bad names: %w", ErrMalformed)
		}
		return Referral{ReferredBy: env.ReferredBy, User: env.User, CreatedAt: ts, Payload: payload}, nil
	case KindAddFriend:
		if !validName(env.User1Name) || !validName(env.User2Name) {
			return nil, fmt.Errorf("event: addfriend: bad names: %w", ErrMalformed)
		}
		return AddFriend{User1Name: env.User1Name, User2Name: env.User2Name, CreatedAt: ts, Payload: payload}, nil
	case KindUnfriend:
		if !validName(env.User1Name) || !validName(env.User2Name) {
			return nil, fmt.Errorf("event: unfriend: bad names: %w", ErrMalformed)
		}
		return Unfriend{User1Name: env.User1Name, User2Name: env.User2Name, CreatedAt: ts, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("event: unknown type %q: %w", env.Type, ErrMalformed)
	}
}

// DecodeBatch decodes every payload in raws, logging and skipping the
// malformed ones. A bad payload never fails the batch.
func DecodeBatch(raws [][]byte, log *zap.Logger) []Event {
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := Decode(raw)
		if err != nil {
			log.Warn("event: dropping malformed payload", zap.Error(err), zap.ByteString("payload", truncate(raw, 256)))
			continue
		}
		events = append(events, ev)
	}
	return events
}

func validName(name string) bool {
	return name != "" && utf8.RuneCountInString(name) <= MaxNameLen
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
