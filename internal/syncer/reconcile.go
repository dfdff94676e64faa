package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// outcome is what reconcile did with one external event.
type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeLinked
	outcomeGuarded
	outcomeDeleted
	outcomeIgnored
)

func (o outcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeLinked:
		return "linked"
	case outcomeGuarded:
		return "guarded"
	case outcomeDeleted:
		return "deleted"
	default:
		return "ignored"
	}
}

// pull fetches changes since the stored cursor and reconciles each one.
// The new cursor is persisted even when some items failed. It returns the
// local events removed by deletion markers; their mappings under other
// configs still have to be cleaned up.
func (s *Service) pull(ctx context.Context, cfg *core.SyncConfig, provider core.Provider, result *core.SyncResult) ([]string, error) {
	events, cursor, err := provider.PullEvents(ctx, cfg.SyncToken)
	if err != nil {
		if isFatal(err) {
			return nil, fmt.Errorf("pull events: %w", err)
		}
		result.AddError("", "pull", err)
		return nil, nil
	}

	keepRecurrence := !supportsRecurrence(provider)
	var removed []string
	for _, x := range events {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		o, eventID, err := s.reconcile(ctx, cfg, x, keepRecurrence)
		if err != nil {
			result.AddError(x.ExternalID, "reconcile", err)
			continue
		}
		if o == outcomeDeleted {
			removed = append(removed, eventID)
		}
		if o != outcomeIgnored {
			result.Pulled++
		}
		s.logger.Debug("reconciled external event",
			"config_id", cfg.ID, "external_id", x.ExternalID, "outcome", o.String())
	}

	if cursor != "" && cursor != cfg.SyncToken {
		if err := s.store.UpdateSyncState(ctx, cfg.ID, core.SyncState{SyncToken: &cursor}); err != nil {
			return removed, fmt.Errorf("store sync cursor: %w", err)
		}
		cfg.SyncToken = cursor
	}
	return removed, nil
}

func supportsRecurrence(p core.Provider) bool {
	rs, ok := p.(core.RecurrenceSupport)
	return !ok || rs.SupportsRecurrence()
}

// reconcile applies one external event to the local store and returns the
// id of the local event it touched. With keepRecurrence set, the recurrence
// rules of an existing local event survive the update.
func (s *Service) reconcile(ctx context.Context, cfg *core.SyncConfig, x core.ExternalEvent, keepRecurrence bool) (outcome, string, error) {
	now := s.now().UTC()
	if x.Deleted {
		return s.reconcileDeletion(ctx, cfg, x)
	}

	m, err := s.store.GetMappingByExternalID(ctx, cfg.ID, x.ExternalID)
	switch {
	case err == nil:
		o, err := s.applyToMapped(ctx, cfg, m, x, now, keepRecurrence)
		if !errors.Is(err, core.ErrNotFound) {
			return o, m.EventID, err
		}
		// the local side of the mapping is gone; start over
		if err := s.store.DeleteMapping(ctx, m.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			return outcomeIgnored, "", fmt.Errorf("drop stale mapping: %w", err)
		}
	case !errors.Is(err, core.ErrNotFound):
		return outcomeIgnored, "", fmt.Errorf("look up mapping: %w", err)
	}

	candidate, err := s.findLinkCandidate(ctx, cfg, x, now)
	if err != nil {
		return outcomeIgnored, "", err
	}
	if candidate != nil {
		if err := s.saveMapping(ctx, cfg, candidate.ID, x.ExternalID, x.ETag, now); err != nil {
			return outcomeIgnored, "", err
		}
		return outcomeLinked, candidate.ID, nil
	}

	ev := &core.Event{UserID: cfg.UserID, CreatedAt: now, UpdatedAt: now}
	ev.ApplyExternal(x)
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return outcomeIgnored, "", fmt.Errorf("create local event: %w", err)
	}
	if err := s.saveMapping(ctx, cfg, ev.ID, x.ExternalID, x.ETag, now); err != nil {
		return outcomeIgnored, ev.ID, err
	}
	return outcomeCreated, ev.ID, nil
}

// applyToMapped updates the mapped local event unless it was edited within
// the echo guard window. Either way the mapping is refreshed.
func (s *Service) applyToMapped(ctx context.Context, cfg *core.SyncConfig, m *core.SyncMapping, x core.ExternalEvent, now time.Time, keepRecurrence bool) (outcome, error) {
	ev, err := s.store.GetEvent(ctx, m.EventID)
	if err != nil {
		return outcomeIgnored, fmt.Errorf("load mapped event: %w", err)
	}

	o := outcomeGuarded
	if now.Sub(ev.UpdatedAt) >= EchoGuardWindow {
		rules := ev.Recurrence
		ev.ApplyExternal(x)
		if keepRecurrence {
			ev.Recurrence = rules
		}
		ev.UpdatedAt = now
		if err := s.store.UpdateEvent(ctx, ev); err != nil {
			return outcomeIgnored, fmt.Errorf("update local event: %w", err)
		}
		o = outcomeUpdated
	}

	if err := s.saveMapping(ctx, cfg, m.EventID, x.ExternalID, x.ETag, now); err != nil {
		return outcomeIgnored, err
	}
	return o, nil
}

// findLinkCandidate returns a recent, unmapped local event that looks like
// the same thing as x: same owner and summary, compatible start, created
// within LinkWindow.
func (s *Service) findLinkCandidate(ctx context.Context, cfg *core.SyncConfig, x core.ExternalEvent, now time.Time) (*core.Event, error) {
	recent, err := s.store.FindRecentBySummary(ctx, cfg.UserID, x.Summary, now.Add(-LinkWindow))
	if err != nil {
		return nil, fmt.Errorf("find link candidates: %w", err)
	}
	for i := range recent {
		c := &recent[i]
		if !c.Start.Compatible(x.Start) {
			continue
		}
		_, err := s.store.GetMappingByEventID(ctx, cfg.ID, c.ID)
		if errors.Is(err, core.ErrNotFound) {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("check candidate mapping: %w", err)
		}
	}
	return nil, nil
}

// reconcileDeletion removes the local event and this config's mapping.
// Mappings of the same event under other configs are left to the caller.
func (s *Service) reconcileDeletion(ctx context.Context, cfg *core.SyncConfig, x core.ExternalEvent) (outcome, string, error) {
	m, err := s.store.GetMappingByExternalID(ctx, cfg.ID, x.ExternalID)
	if errors.Is(err, core.ErrNotFound) {
		return outcomeIgnored, "", nil
	}
	if err != nil {
		return outcomeIgnored, "", fmt.Errorf("look up mapping: %w", err)
	}
	if err := s.store.DeleteEvent(ctx, m.EventID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return outcomeIgnored, "", fmt.Errorf("delete local event: %w", err)
	}
	if err := s.store.DeleteMapping(ctx, m.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return outcomeIgnored, "", fmt.Errorf("delete mapping: %w", err)
	}
	return outcomeDeleted, m.EventID, nil
}

func (s *Service) saveMapping(ctx context.Context, cfg *core.SyncConfig, eventID, externalID, etag string, now time.Time) error {
	m := &core.SyncMapping{
		EventID:      eventID,
		SyncConfigID: cfg.ID,
		ExternalID:   externalID,
		ProviderID:   cfg.ProviderID,
		LastSyncedAt: now,
		ETag:         etag,
	}
	if err := s.store.UpsertMapping(ctx, m); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}
