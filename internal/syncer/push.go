package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wmax/calsync/internal/core"
)

// push creates remote copies of unmapped local events and updates remote
// events whose local side changed after the last sync.
func (s *Service) push(ctx context.Context, cfg *core.SyncConfig, provider core.Provider, result *core.SyncResult) error {
	events, err := s.store.ListEventsByUser(ctx, cfg.UserID)
	if err != nil {
		return fmt.Errorf("list local events: %w", err)
	}
	mappings, err := s.store.ListMappings(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("list mappings: %w", err)
	}
	byEvent := make(map[string]*core.SyncMapping, len(mappings))
	for i := range mappings {
		byEvent[mappings[i].EventID] = &mappings[i]
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := &events[i]
		pushed, err := s.pushEvent(ctx, cfg, provider, ev, byEvent[ev.ID])
		if err != nil {
			if isFatal(err) {
				return fmt.Errorf("push event %s: %w", ev.ID, err)
			}
			result.AddError(ev.ID, "push", err)
			continue
		}
		if pushed {
			result.Pushed++
		}
	}
	return nil
}

// pushEvent creates or updates the remote copy of ev. m is the existing
// mapping under cfg, or nil. It reports whether a provider call was made.
func (s *Service) pushEvent(ctx context.Context, cfg *core.SyncConfig, provider core.Provider, ev *core.Event, m *core.SyncMapping) (bool, error) {
	if m == nil {
		externalID, etag, err := provider.PushEvent(ctx, ev.ToExternal())
		if err != nil {
			return false, err
		}
		if err := s.saveMapping(ctx, cfg, ev.ID, externalID, etag, s.now().UTC()); err != nil {
			return true, err
		}
		return true, nil
	}

	if !ev.UpdatedAt.After(m.LastSyncedAt) {
		return false, nil
	}
	etag, err := provider.UpdateEvent(ctx, m.ExternalID, ev.ToExternal())
	if err != nil {
		return false, err
	}
	if err := s.saveMapping(ctx, cfg, ev.ID, m.ExternalID, etag, s.now().UTC()); err != nil {
		return true, err
	}
	return true, nil
}

// SyncSpecificEvents pushes the given local events to every enabled
// push-capable config of userID. It is called right after local edits;
// failures are logged and recorded in the audit trail, never returned.
func (s *Service) SyncSpecificEvents(ctx context.Context, userID string, eventIDs []string) {
	if len(eventIDs) == 0 {
		return
	}
	configs, err := s.store.ListConfigs(ctx, core.ConfigFilter{UserID: userID, OnlyEnabled: true})
	if err != nil {
		s.logger.Error("failed to list configs for event push", "user_id", userID, "error", err)
		return
	}

	for i := range configs {
		cfg := &configs[i]
		if !cfg.Direction.Pushes() {
			continue
		}
		s.syncEventsForConfig(ctx, cfg, eventIDs)
	}
}

func (s *Service) syncEventsForConfig(ctx context.Context, cfg *core.SyncConfig, eventIDs []string) {
	unlock := s.locks.lock(cfg.ID)
	defer unlock()

	logger := s.logger.With("config_id", cfg.ID, "provider", cfg.ProviderType)
	op := &core.SyncOperation{
		SyncConfigID: cfg.ID,
		Kind:         core.OperationPush,
		EntityType:   "event",
		EntityID:     strings.Join(eventIDs, ","),
		StartedAt:    s.now().UTC(),
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		logger.Error("failed to create sync operation", "error", err)
		return
	}
	result := &core.SyncResult{ConfigID: cfg.ID, OperationID: op.ID, Errors: []core.ItemError{}}

	provider, err := s.openProvider(ctx, cfg)
	if err != nil {
		s.fail(ctx, cfg, op, result, logger, err)
		return
	}
	defer s.persistCredentials(ctx, cfg, provider)

	for _, id := range eventIDs {
		ev, err := s.store.GetEvent(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			result.AddError(id, "push", err)
			continue
		}
		if ev.UserID != cfg.UserID {
			continue
		}

		m, err := s.store.GetMappingByEventID(ctx, cfg.ID, id)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			result.AddError(id, "push", err)
			continue
		}
		pushed, err := s.pushEvent(ctx, cfg, provider, ev, m)
		if err != nil {
			result.AddError(id, "push", err)
			if isFatal(err) {
				break
			}
			continue
		}
		if pushed {
			result.Pushed++
		}
	}

	s.finish(ctx, op, result, logger)
}

// DeleteEventMappings removes the remote copies of locally deleted events
// and their mappings. Provider failures are logged; the mappings are
// removed regardless.
func (s *Service) DeleteEventMappings(ctx context.Context, userID string, eventIDs []string) {
	if len(eventIDs) == 0 {
		return
	}
	mappings, err := s.store.ListMappingsForEvents(ctx, eventIDs)
	if err != nil {
		s.logger.Error("failed to list mappings for deleted events", "user_id", userID, "error", err)
		return
	}

	byConfig := make(map[string][]core.SyncMapping)
	for _, m := range mappings {
		byConfig[m.SyncConfigID] = append(byConfig[m.SyncConfigID], m)
	}

	for configID, ms := range byConfig {
		cfg, err := s.store.GetConfig(ctx, configID)
		if err != nil {
			s.logger.Error("failed to load config for mapping cleanup", "config_id", configID, "error", err)
			continue
		}
		if cfg.UserID != userID {
			continue
		}
		s.deleteMappingsForConfig(ctx, cfg, ms)
	}
}

func (s *Service) deleteMappingsForConfig(ctx context.Context, cfg *core.SyncConfig, mappings []core.SyncMapping) {
	unlock := s.locks.lock(cfg.ID)
	defer unlock()

	logger := s.logger.With("config_id", cfg.ID, "provider", cfg.ProviderType)
	eventIDs := make([]string, len(mappings))
	for i, m := range mappings {
		eventIDs[i] = m.EventID
	}
	op := &core.SyncOperation{
		SyncConfigID: cfg.ID,
		Kind:         core.OperationDelete,
		EntityType:   "event",
		EntityID:     strings.Join(eventIDs, ","),
		StartedAt:    s.now().UTC(),
	}
	recorded := true
	if err := s.store.CreateOperation(ctx, op); err != nil {
		logger.Error("failed to create sync operation", "error", err)
		recorded = false
	}
	result := &core.SyncResult{ConfigID: cfg.ID, OperationID: op.ID, Errors: []core.ItemError{}}

	var provider core.Provider
	if cfg.Enabled && cfg.Direction.Pushes() {
		p, err := s.openProvider(ctx, cfg)
		if err != nil {
			logger.Warn("provider unavailable, removing mappings locally only", "error", err)
			result.AddError("", "delete", err)
		} else {
			provider = p
			defer s.persistCredentials(ctx, cfg, provider)
		}
	}

	for _, m := range mappings {
		if provider != nil {
			if err := provider.DeleteEvent(ctx, m.ExternalID); err != nil {
				result.AddError(m.EventID, "delete", err)
			} else {
				result.Pushed++
			}
		}
		if err := s.store.DeleteMapping(ctx, m.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			result.AddError(m.EventID, "delete", err)
		}
	}

	if recorded {
		s.finish(ctx, op, result, logger)
	}
}

// finish finalizes a fast-path operation from its result.
func (s *Service) finish(ctx context.Context, op *core.SyncOperation, result *core.SyncResult, logger *slog.Logger) {
	result.Success = len(result.Errors) == 0
	op.Pushed = result.Pushed
	op.Status = core.StatusCompleted
	if !result.Success {
		op.Status = core.StatusFailed
		op.Error = summarize(result.Errors)
		for _, e := range result.Errors {
			logger.Warn("event sync failed", "event_id", e.ItemID, "op", e.Op, "error", e.Err)
		}
	}
	if err := s.store.FinalizeOperation(context.WithoutCancel(ctx), op); err != nil {
		logger.Error("failed to finalize operation", "error", err)
	}
	s.emit(*result)
}
