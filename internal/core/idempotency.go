package core

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// DefaultTokenTTL is how long consumed tokens are remembered. Tokens issued
// earlier than that are rejected outright.
const DefaultTokenTTL = 24 * time.Hour

type tokenLedger struct {
	mu       sync.Mutex
	ttl      time.Duration
	consumed map[uuid.UUID]time.Time
}

func newTokenLedger(ttl time.Duration) *tokenLedger {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &tokenLedger{ttl: ttl, consumed: make(map[uuid.UUID]time.Time)}
}

// check rejects a token that was consumed, has expired, or depends on a
// model modified after the token was issued.
func (l *tokenLedger) check(tok domain.Token, reader domain.Reader, now time.Time) []domain.Problem {
	l.mu.Lock()
	_, used := l.consumed[tok.ID]
	l.mu.Unlock()

	conflict := func(id domain.ModelID, format string, args ...any) domain.Problem {
		p := domain.NewProblem(domain.ProblemIdempotencyConflict, format, args...)
		p.ModelID = id
		return p
	}
	if used {
		return []domain.Problem{conflict(0, "token %s was already used", tok.ID)}
	}
	if tok.IssuedAt.Before(now.Add(-l.ttl)) {
		return []domain.Problem{conflict(0, "token %s expired", tok.ID)}
	}
	var problems []domain.Problem
	for _, id := range tok.DependsOn {
		m, ok := reader.GetOrNull(id)
		if !ok {
			problems = append(problems, conflict(id, "dependency %d no longer exists", id))
			continue
		}
		if m.LastModifiedAt().After(tok.IssuedAt) {
			problems = append(problems, conflict(id, "dependency %d was modified at %s, after the token was issued", id, m.LastModifiedAt().Format(time.RFC3339Nano)))
		}
	}
	return problems
}

func (l *tokenLedger) consume(tok domain.Token, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed[tok.ID] = now
	for id, at := range l.consumed {
		if now.Sub(at) > l.ttl {
			delete(l.consumed, id)
		}
	}
}
