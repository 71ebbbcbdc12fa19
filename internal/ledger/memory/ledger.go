// Package memory implements the ledger on in-process maps for development
// and tests. Quota accounting serializes on a per-principal mutex, so
// concurrent callers for one principal never lose updates while distinct
// principals never block each other.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/token"
)

type principalEntry struct {
	mu        sync.Mutex
	principal gateway.Principal
}

// Ledger is an in-memory gateway.Ledger.
type Ledger struct {
	mu           sync.RWMutex
	clock        gateway.Clock
	idGen        gateway.IDGenerator
	defaultLimit int
	principals   map[string]*principalEntry
	byProvider   map[string]string
	credentials  map[string]*gateway.Credential
	byDigest     map[string]string
}

// New builds an empty ledger.
func New(clock gateway.Clock, idGen gateway.IDGenerator, defaultLimit int) *Ledger {
	return &Ledger{
		clock:        clock,
		idGen:        idGen,
		defaultLimit: defaultLimit,
		principals:   make(map[string]*principalEntry),
		byProvider:   make(map[string]string),
		credentials:  make(map[string]*gateway.Credential),
		byDigest:     make(map[string]string),
	}
}

var errUnauthorized = gateway.E(gateway.CodeUnauthorized, "invalid or expired API key")

// Authenticate resolves a raw key to its principal. All failure modes return
// the same unauthorized error.
func (l *Ledger) Authenticate(_ context.Context, rawKey string) (gateway.AuthResult, error) {
	if !token.ValidFormat(rawKey) {
		return gateway.AuthResult{}, errUnauthorized
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	credID, ok := l.byDigest[token.Digest(rawKey)]
	if !ok {
		return gateway.AuthResult{}, errUnauthorized
	}
	cred := l.credentials[credID]
	now := l.clock.Now()
	if cred == nil || !cred.Active || (cred.ExpiresAt != nil && !cred.ExpiresAt.After(now)) {
		return gateway.AuthResult{}, errUnauthorized
	}
	entry, ok := l.principals[cred.PrincipalID]
	if !ok {
		return gateway.AuthResult{}, errUnauthorized
	}
	entry.mu.Lock()
	principal := entry.principal
	entry.mu.Unlock()
	if principal.DeletedAt != nil {
		return gateway.AuthResult{}, errUnauthorized
	}
	return gateway.AuthResult{Principal: principal, Credential: *cred}, nil
}

// CheckAndConsume atomically tests and increments the daily counter.
func (l *Ledger) CheckAndConsume(_ context.Context, principalID string, limit int) (gateway.QuotaDecision, error) {
	entry, err := l.entry(principalID)
	if err != nil {
		return gateway.QuotaDecision{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := l.clock.Now()
	p := &entry.principal
	if !p.QuotaResetAt.After(now) {
		p.QuotaCount = 0
		p.QuotaResetAt = gateway.NextUTCMidnight(now)
	}
	decision := gateway.QuotaDecision{Limit: limit, ResetAt: p.QuotaResetAt}
	if p.QuotaCount < limit {
		p.QuotaCount++
		decision.Allowed = true
		decision.Used = p.QuotaCount
		decision.Remaining = limit - p.QuotaCount
		return decision, nil
	}
	decision.Used = p.QuotaCount
	decision.Remaining = 0
	return decision, nil
}

// QuotaInfo reads the current window without consuming, applying the stale
// reset rule without persisting it.
func (l *Ledger) QuotaInfo(_ context.Context, principalID string) (gateway.QuotaDecision, error) {
	entry, err := l.entry(principalID)
	if err != nil {
		return gateway.QuotaDecision{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := l.clock.Now()
	p := entry.principal
	used := p.QuotaCount
	resetAt := p.QuotaResetAt
	if !resetAt.After(now) {
		used = 0
		resetAt = gateway.NextUTCMidnight(now)
	}
	remaining := p.QuotaLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return gateway.QuotaDecision{
		Allowed:   used < p.QuotaLimit,
		Used:      used,
		Limit:     p.QuotaLimit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// TouchCredential records last use.
func (l *Ledger) TouchCredential(_ context.Context, credentialID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cred, ok := l.credentials[credentialID]
	if !ok {
		return gateway.E(gateway.CodeNotFound, "credential not found")
	}
	t := at
	cred.LastUsedAt = &t
	return nil
}

// UpsertPrincipal creates or refreshes a principal keyed by provider id.
func (l *Ledger) UpsertPrincipal(_ context.Context, identity gateway.ExternalIdentity) (gateway.Principal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if id, ok := l.byProvider[identity.ProviderID]; ok {
		entry := l.principals[id]
		entry.mu.Lock()
		entry.principal.Email = identity.Email
		entry.principal.Name = identity.Name
		entry.principal.AvatarURL = identity.AvatarURL
		entry.principal.DeletedAt = nil
		p := entry.principal
		entry.mu.Unlock()
		return p, nil
	}

	id, err := l.idGen.NewID()
	if err != nil {
		return gateway.Principal{}, err
	}
	p := gateway.Principal{
		ID:           id,
		ProviderID:   identity.ProviderID,
		Email:        identity.Email,
		Name:         identity.Name,
		AvatarURL:    identity.AvatarURL,
		Plan:         gateway.PlanFree,
		QuotaLimit:   l.defaultLimit,
		QuotaCount:   0,
		QuotaResetAt: gateway.NextUTCMidnight(now),
	}
	l.principals[id] = &principalEntry{principal: p}
	l.byProvider[identity.ProviderID] = id
	return p, nil
}

// IssueCredential mints a key for the principal. The raw secret is returned
// exactly once.
func (l *Ledger) IssueCredential(_ context.Context, principalID, name string) (gateway.IssuedCredential, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.principals[principalID]; !ok {
		return gateway.IssuedCredential{}, gateway.E(gateway.CodeNotFound, "principal not found")
	}
	for _, cred := range l.credentials {
		if cred.PrincipalID == principalID && cred.Name == name && cred.Active {
			return gateway.IssuedCredential{}, gateway.E(gateway.CodeKeyNameTaken, "an API key with this name already exists")
		}
	}

	rawKey, err := token.Generate()
	if err != nil {
		return gateway.IssuedCredential{}, err
	}
	id, err := l.idGen.NewID()
	if err != nil {
		return gateway.IssuedCredential{}, err
	}
	cred := gateway.Credential{
		ID:          id,
		PrincipalID: principalID,
		Prefix:      token.DisplayPrefix(rawKey),
		Name:        name,
		Active:      true,
		CreatedAt:   l.clock.Now(),
	}
	l.credentials[id] = &cred
	l.byDigest[token.Digest(rawKey)] = id
	return gateway.IssuedCredential{Credential: cred, RawKey: rawKey}, nil
}

// RevokeCredential flips active=false; credentials are never hard-deleted.
func (l *Ledger) RevokeCredential(_ context.Context, principalID, credentialID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cred, ok := l.credentials[credentialID]
	if !ok || cred.PrincipalID != principalID || !cred.Active {
		return false, nil
	}
	cred.Active = false
	return true, nil
}

// ListCredentials returns the principal's active credentials, newest first.
func (l *Ledger) ListCredentials(_ context.Context, principalID string) ([]gateway.Credential, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []gateway.Credential
	for _, cred := range l.credentials {
		if cred.PrincipalID == principalID && cred.Active {
			out = append(out, *cred)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

// SetQuota overrides a principal's counters. Test helper.
func (l *Ledger) SetQuota(principalID string, count int, resetAt time.Time) {
	l.mu.RLock()
	entry := l.principals[principalID]
	l.mu.RUnlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	entry.principal.QuotaCount = count
	entry.principal.QuotaResetAt = resetAt
	entry.mu.Unlock()
}

func (l *Ledger) entry(principalID string) (*principalEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.principals[principalID]
	if !ok {
		return nil, gateway.E(gateway.CodeNotFound, "principal not found")
	}
	return entry, nil
}

func sortByCreatedDesc(creds []gateway.Credential) {
	for i := 1; i < len(creds); i++ {
		for j := i; j > 0 && creds[j].CreatedAt.After(creds[j-1].CreatedAt); j-- {
			creds[j], creds[j-1] = creds[j-1], creds[j]
		}
	}
}
