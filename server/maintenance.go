package server

import (
	"context"
	"log/slog"
	"time"
)

// Maintenance runs the periodic sweeps that bound storage growth: stale
// pending-login records from abandoned flows, and credentials past expiry.
// Both sweeps only touch records already past their deadline, so they are
// safe to run alongside live callback traffic.
type Maintenance struct {
	store  Store
	tokens *TokenService
	logger *slog.Logger
	cfg    MaintenanceConfig

	now func() time.Time
}

// NewMaintenance wires the sweep jobs.
func NewMaintenance(cfg Config, store Store, tokens *TokenService, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		store:  store,
		tokens: tokens,
		logger: logger,
		cfg:    cfg.Maintenance,
		now:    time.Now,
	}
}

// SweepRedirects deletes pending-login records older than the configured
// max age, consumed or not.
func (m *Maintenance) SweepRedirects(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.RedirectMaxAge)
	n, err := m.store.DeleteRedirectsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("swept stale callback redirects", "deleted", n)
	}
	return n, nil
}

// SweepCredentials refreshes or evicts every credential past expiry.
// Refresh failures are absorbed into the sticky invalid flag, and invalid
// or unrefreshable credentials are deleted.
func (m *Maintenance) SweepCredentials(ctx context.Context) error {
	expired, err := m.store.ExpiredCredentials(ctx, m.now())
	if err != nil {
		return err
	}

	refreshed, deleted := 0, 0
	for _, t := range expired {
		if t.Invalid || !t.CanRefresh() {
			if err := m.store.DeleteCredential(ctx, t.ID); err != nil {
				m.logger.Error("delete expired credential", "credential_id", t.ID, "error", err)
				continue
			}
			deleted++
			continue
		}

		ok, err := m.tokens.Refresh(ctx, t)
		if err != nil {
			m.logger.Error("refresh expired credential", "credential_id", t.ID, "error", err)
			continue
		}
		if !ok {
			if err := m.store.DeleteCredential(ctx, t.ID); err != nil {
				m.logger.Error("delete invalid credential", "credential_id", t.ID, "error", err)
				continue
			}
			deleted++
			continue
		}
		refreshed++
	}

	if refreshed > 0 || deleted > 0 {
		m.logger.Info("swept expired credentials", "refreshed", refreshed, "deleted", deleted)
	}
	return nil
}

// Run executes both sweeps on their configured intervals until the context
// is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	redirectTicker := time.NewTicker(m.cfg.RedirectSweepInterval)
	defer redirectTicker.Stop()
	credentialTicker := time.NewTicker(m.cfg.CredentialSweepInterval)
	defer credentialTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-redirectTicker.C:
			if _, err := m.SweepRedirects(ctx); err != nil {
				m.logger.Error("redirect sweep failed", "error", err)
			}
		case <-credentialTicker.C:
			if err := m.SweepCredentials(ctx); err != nil {
				m.logger.Error("credential sweep failed", "error", err)
			}
		}
	}
}
