package admission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/quota/policy"
)

// defaultEntity is the entity id of default policy entries.
const defaultEntity = "default"

// change is one audited administrative mutation.
type change struct {
	entries []ledger.PolicyEntry
	event   *quota.ConfigEvent
}

// apply writes the policy entries and the audit event in one transaction
// and then refreshes the policy snapshot so later admissions see it.
func (c *Controller) apply(ctx context.Context, operator string, ch change) error {
	if operator == "" {
		operator = "unknown"
	}
	now := c.now()
	ch.event.ID = uuid.NewString()
	ch.event.Operator = operator
	ch.event.Timestamp = now

	err := c.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		for _, e := range ch.entries {
			e.UpdatedAt = now
			if err := tx.UpsertPolicyEntry(ctx, e); err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, ch.event)
	})
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "quota configuration changed",
		"kind", ch.event.Kind,
		"entity_type", ch.event.EntityType,
		"entity", ch.event.EntityID,
		"model", ch.event.ModelID,
		"key", ch.event.Key,
		"value", ch.event.Value,
		"operator", operator,
	)

	if len(ch.entries) == 0 {
		return nil
	}
	if _, err := c.policies.Refresh(ctx); err != nil {
		return fmt.Errorf("change saved but policy refresh failed: %w", err)
	}
	return nil
}

func checkLimit(limit quota.Limit) error {
	if limit < quota.Unlimited {
		return quota.Invalidf("limit must be >= 0 or unlimited, got %d", limit)
	}
	return nil
}

func checkIDs(ids ...string) error {
	for _, id := range ids {
		if err := policy.ValidID(id); err != nil {
			return err
		}
	}
	return nil
}

// SetActorLimit sets actor's personal budget on model. An empty model sets
// the actor's cross-model fallback pool.
func (c *Controller) SetActorLimit(ctx context.Context, operator, actor, model string, limit quota.Limit) error {
	if err := checkIDs(actor); err != nil {
		return err
	}
	if err := checkLimit(limit); err != nil {
		return err
	}

	field := ledger.FieldModelLimit
	if model == "" {
		field = ledger.FieldFallbackPool
	} else if err := checkIDs(model); err != nil {
		return err
	}

	return c.apply(ctx, operator, change{
		entries: []ledger.PolicyEntry{{
			EntityType: quota.EntityActor,
			EntityID:   actor,
			ModelID:    model,
			Field:      field,
			Value:      int64(limit),
		}},
		event: &quota.ConfigEvent{
			Kind:       quota.EventSetActorLimit,
			EntityType: quota.EntityActor,
			EntityID:   actor,
			ModelID:    model,
			Value:      int64(limit),
		},
	})
}

// SetActorLimitAllModels sets actor's budget on every model the current
// policy names, and the fallback pool, in one change.
func (c *Controller) SetActorLimitAllModels(ctx context.Context, operator, actor string, limit quota.Limit) error {
	if err := checkIDs(actor); err != nil {
		return err
	}
	if err := checkLimit(limit); err != nil {
		return err
	}

	models := c.policies.Snapshot().Models()
	entries := make([]ledger.PolicyEntry, 0, len(models)+1)
	for _, m := range models {
		entries = append(entries, ledger.PolicyEntry{
			EntityType: quota.EntityActor,
			EntityID:   actor,
			ModelID:    m,
			Field:      ledger.FieldModelLimit,
			Value:      int64(limit),
		})
	}
	entries = append(entries, ledger.PolicyEntry{
		EntityType: quota.EntityActor,
		EntityID:   actor,
		Field:      ledger.FieldFallbackPool,
		Value:      int64(limit),
	})

	return c.apply(ctx, operator, change{
		entries: entries,
		event: &quota.ConfigEvent{
			Kind:       quota.EventSetActorLimit,
			EntityType: quota.EntityActor,
			EntityID:   actor,
			Value:      int64(limit),
			Detail:     fmt.Sprintf("all models (%d) and fallback pool", len(models)),
		},
	})
}

// SetGroupPoolLimit sets group's shared pool. An empty model sets the pool
// shared by all models.
func (c *Controller) SetGroupPoolLimit(ctx context.Context, operator, group, model string, limit quota.Limit) error {
	return c.setGroupField(ctx, operator, group, model, ledger.FieldTokenPool, quota.EventSetGroupPoolLimit, limit)
}

// SetMemberLimit sets the per-member budget inside group. An empty model
// sets the limit for all models.
func (c *Controller) SetMemberLimit(ctx context.Context, operator, group, model string, limit quota.Limit) error {
	return c.setGroupField(ctx, operator, group, model, ledger.FieldMemberLimit, quota.EventSetMemberLimit, limit)
}

func (c *Controller) setGroupField(ctx context.Context, operator, group, model, field string, kind quota.EventKind, limit quota.Limit) error {
	if err := checkIDs(group); err != nil {
		return err
	}
	if model != "" {
		if err := checkIDs(model); err != nil {
			return err
		}
	}
	if err := checkLimit(limit); err != nil {
		return err
	}

	return c.apply(ctx, operator, change{
		entries: []ledger.PolicyEntry{{
			EntityType: quota.EntityGroup,
			EntityID:   group,
			ModelID:    model,
			Field:      field,
			Value:      int64(limit),
		}},
		event: &quota.ConfigEvent{
			Kind:       kind,
			EntityType: quota.EntityGroup,
			EntityID:   group,
			ModelID:    model,
			Value:      int64(limit),
		},
	})
}

// SetRoleLimit sets the member budget for holders of role inside group.
// Roles added here rank after the roles of the policy file, in the order
// they were first added.
func (c *Controller) SetRoleLimit(ctx context.Context, operator, group, role string, limit quota.Limit) error {
	if err := checkIDs(group, role); err != nil {
		return err
	}
	if err := checkLimit(limit); err != nil {
		return err
	}

	return c.apply(ctx, operator, change{
		entries: []ledger.PolicyEntry{{
			EntityType: quota.EntityGroup,
			EntityID:   group,
			Field:      ledger.FieldRoleLimit,
			Key:        role,
			Value:      int64(limit),
		}},
		event: &quota.ConfigEvent{
			Kind:       quota.EventSetRoleLimit,
			EntityType: quota.EntityGroup,
			EntityID:   group,
			Key:        role,
			Value:      int64(limit),
		},
	})
}

// SetBypass adds or removes actor from group's member bypass list.
func (c *Controller) SetBypass(ctx context.Context, operator, group, actor string, on bool) error {
	if err := checkIDs(group, actor); err != nil {
		return err
	}

	var value int64
	if on {
		value = 1
	}
	return c.apply(ctx, operator, change{
		entries: []ledger.PolicyEntry{{
			EntityType: quota.EntityGroup,
			EntityID:   group,
			Field:      ledger.FieldBypass,
			Key:        actor,
			Value:      value,
		}},
		event: &quota.ConfigEvent{
			Kind:       quota.EventSetBypass,
			EntityType: quota.EntityGroup,
			EntityID:   group,
			Key:        actor,
			Value:      value,
		},
	})
}

// SetDefaultLimit sets the default personal budget on model. An empty
// model sets the wildcard default.
func (c *Controller) SetDefaultLimit(ctx context.Context, operator, model string, userLimit quota.Limit) error {
	if model != "" && model != policy.WildcardModel {
		if err := checkIDs(model); err != nil {
			return err
		}
	}
	if model == policy.WildcardModel {
		model = ""
	}
	if err := checkLimit(userLimit); err != nil {
		return err
	}

	return c.apply(ctx, operator, change{
		entries: []ledger.PolicyEntry{{
			EntityType: quota.EntityDefault,
			EntityID:   defaultEntity,
			ModelID:    model,
			Field:      ledger.FieldUserLimit,
			Value:      int64(userLimit),
		}},
		event: &quota.ConfigEvent{
			Kind:       quota.EventSetDefaultLimit,
			EntityType: quota.EntityDefault,
			EntityID:   defaultEntity,
			ModelID:    model,
			Value:      int64(userLimit),
		},
	})
}

// ResetUsage starts actor's personal and member windows afresh. Records
// are kept; group pools are unaffected.
func (c *Controller) ResetUsage(ctx context.Context, operator, actor string) error {
	if err := checkIDs(actor); err != nil {
		return err
	}
	return c.apply(ctx, operator, change{
		event: &quota.ConfigEvent{
			Kind:       quota.EventResetUsage,
			EntityType: quota.EntityActor,
			EntityID:   actor,
		},
	})
}
