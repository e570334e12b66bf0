package api

import (
	"context"
	"errors"

	"clipflow/internal/account"
)

func (s *Service) AddAccount(ctx context.Context, in account.NewAccount) Envelope {
	a, err := s.accounts.Add(ctx, in)
	return s.respond("account.add", map[string]any{"account": a}, err)
}

func (s *Service) Account(ctx context.Context, id string) Envelope {
	a, err := s.accounts.Get(ctx, id)
	return s.respond("account.get", map[string]any{"account": a}, err)
}

func (s *Service) ListAccounts(ctx context.Context, platform string, activeOnly bool) Envelope {
	filter, err := platformFilter(platform)
	if err != nil {
		return Fail(err)
	}
	as, err := s.accounts.List(ctx, account.Query{Platform: filter, ActiveOnly: activeOnly})
	return s.respond("account.list", map[string]any{"accounts": as, "count": len(as)}, err)
}

func (s *Service) BestAccount(ctx context.Context, platform string) Envelope {
	p, err := singlePlatform(platform)
	if err != nil {
		return Fail(err)
	}
	a, err := s.accounts.BestAccountFor(ctx, p)
	return s.respond("account.best", map[string]any{"account": a}, err)
}

func (s *Service) Rotation(ctx context.Context, platform string, count int) Envelope {
	p, err := singlePlatform(platform)
	if err != nil {
		return Fail(err)
	}
	as, err := s.accounts.Rotation(ctx, p, count)
	return s.respond("account.rotation", map[string]any{"accounts": as}, err)
}

// CanUploadNow spreads the quota on success; a failing gate comes back as
// {"success":false,"error":"..."} naming the gate.
func (s *Service) CanUploadNow(ctx context.Context, id string) Envelope {
	q, err := s.accounts.CanUploadNow(ctx, id)
	return s.respond("account.can_upload", q, err)
}

func (s *Service) RecordPost(ctx context.Context, id string, stats account.PostStats) Envelope {
	a, err := s.accounts.RecordPost(ctx, id, stats)
	return s.respond("account.record_post", map[string]any{"account": a}, err)
}

// RecordAccountError logs a failure against an account; "deactivated"
// tells whether this error tripped the burst threshold.
func (s *Service) RecordAccountError(ctx context.Context, id, message string) Envelope {
	deactivated, err := s.accounts.RecordError(ctx, id, errors.New(message))
	if err != nil {
		return s.respond("account.record_error", nil, err)
	}
	a, err := s.accounts.Get(ctx, id)
	return s.respond("account.record_error", map[string]any{"deactivated": deactivated, "account": a}, err)
}

func (s *Service) SetAccountActive(ctx context.Context, id string, active bool) Envelope {
	a, err := s.accounts.SetActive(ctx, id, active)
	return s.respond("account.set_active", map[string]any{"account": a}, err)
}

func (s *Service) SetAccountVerified(ctx context.Context, id string, verified bool) Envelope {
	a, err := s.accounts.SetVerified(ctx, id, verified)
	return s.respond("account.set_verified", map[string]any{"account": a}, err)
}

func (s *Service) DeleteAccount(ctx context.Context, id string) Envelope {
	err := s.accounts.Delete(ctx, id)
	return s.respond("account.delete", map[string]any{"accountId": id}, err)
}
