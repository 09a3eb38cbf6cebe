package connector

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/connector/transform"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Resolver translates a locally-known reference into the id a remote platform
// expects, and vice versa. Implemented by the id mapper.
type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error)
}

// LookupSpec marks a field whose value is a local entity reference that must
// be translated to the target platform's id before sending.
type LookupSpec struct {
	EntityType models.EntityType `json:"entity_type" validate:"required"`
}

// FieldMapping maps one local field to one remote field, with optional
// transforms and platform constraints.
type FieldMapping struct {
	LocalField  string           `json:"local_field" validate:"required"`
	RemoteField string           `json:"remote_field" validate:"required"`
	Transforms  []transform.Step `json:"transforms,omitempty"`
	Required    bool             `json:"required,omitempty"`
	MaxLen      int              `json:"max_len,omitempty"`
	Lookup      *LookupSpec      `json:"lookup,omitempty"`
}

// Mapping is the full field mapping table for one entity type on one platform.
type Mapping struct {
	Platform   string            `json:"platform"`
	EntityType models.EntityType `json:"entity_type"`
	Fields     []FieldMapping    `json:"fields"`
}

// MapOutbound builds the remote payload from local entity data, applying
// transforms, resolving references, and validating platform constraints.
// Constraint failures return a non-retryable error so they never consume
// retry budget against the remote.
func (m *Mapping) MapOutbound(ctx context.Context, tenantID uuid.UUID, resolver Resolver, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields))

	for _, field := range m.Fields {
		value, present := data[field.LocalField]

		if !present || value == nil || value == "" {
			if field.Required {
				return nil, NewValidationError(fmt.Sprintf("required field %s is missing", field.LocalField))
			}
			continue
		}

		if field.Lookup != nil {
			localID, ok := value.(string)
			if !ok {
				return nil, NewValidationError(fmt.Sprintf("field %s must be a string reference", field.LocalField))
			}
			targetID, found, err := resolver.Resolve(ctx, tenantID, models.LocalSystem, field.Lookup.EntityType, localID, m.Platform)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, NewValidationError(fmt.Sprintf("field %s references %s %s with no mapping on %s",
					field.LocalField, field.Lookup.EntityType, localID, m.Platform))
			}
			value = targetID
		}

		transformed, err := transform.Apply(value, field.Transforms)
		if err != nil {
			return nil, NewValidationError(err.Error())
		}

		if field.MaxLen > 0 {
			if s, ok := transformed.(string); ok && len([]rune(s)) > field.MaxLen {
				return nil, NewValidationError(fmt.Sprintf("field %s exceeds max length %d", field.LocalField, field.MaxLen))
			}
		}

		out[field.RemoteField] = transformed
	}

	return out, nil
}

// MapInbound builds local entity data from a remote payload by reversing the
// field name mapping. Transforms are outbound-only; inbound values are taken
// as-is, with remote references translated back to local ids when a mapping
// exists.
func (m *Mapping) MapInbound(ctx context.Context, tenantID uuid.UUID, resolver Resolver, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields))

	for _, field := range m.Fields {
		value, present := data[field.RemoteField]
		if !present || value == nil {
			continue
		}

		if field.Lookup != nil {
			remoteID, ok := value.(string)
			if !ok {
				continue
			}
			localID, found, err := resolver.Resolve(ctx, tenantID, m.Platform, field.Lookup.EntityType, remoteID, models.LocalSystem)
			if err != nil {
				return nil, err
			}
			if !found {
				// Leave the remote reference unmapped; the caller decides
				// whether to enqueue a fetch for the referenced entity.
				continue
			}
			value = localID
		}

		out[field.LocalField] = value
	}

	return out, nil
}
