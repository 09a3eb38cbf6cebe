package connector

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/connector/transform"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeResolver struct {
	mappings map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, _ uuid.UUID, sourceSystem string, entityType models.EntityType, sourceID, targetSystem string) (string, bool, error) {
	key := sourceSystem + ":" + string(entityType) + ":" + sourceID + ":" + targetSystem
	id, ok := f.mappings[key]
	return id, ok, nil
}

func testMapping() *Mapping {
	return &Mapping{
		Platform:   "commerce",
		EntityType: models.EntityCustomer,
		Fields: []FieldMapping{
			{LocalField: "email", RemoteField: "email", Required: true, MaxLen: 20, Transforms: []transform.Step{{Name: "to_lower"}}},
			{LocalField: "name", RemoteField: "full_name", MaxLen: 10},
			{LocalField: "store_id", RemoteField: "location_id", Lookup: &LookupSpec{EntityType: models.EntityProduct}},
		},
	}
}

func TestMapOutboundAppliesTransforms(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]string{}}

	out, err := testMapping().MapOutbound(context.Background(), uuid.New(), resolver, map[string]any{
		"email": "Jo@Example.COM",
		"name":  "Jo",
	})
	require.NoError(t, err)

	assert.Equal(t, "jo@example.com", out["email"])
	assert.Equal(t, "Jo", out["full_name"])
	assert.NotContains(t, out, "location_id")
}

func TestMapOutboundMissingRequiredField(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]string{}}

	_, err := testMapping().MapOutbound(context.Background(), uuid.New(), resolver, map[string]any{
		"name": "Jo",
	})
	require.Error(t, err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ClassNonRetryable, ce.Class)
}

func TestMapOutboundMaxLength(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]string{}}

	_, err := testMapping().MapOutbound(context.Background(), uuid.New(), resolver, map[string]any{
		"email": "jo@example.com",
		"name":  "a name well past ten characters",
	})
	require.Error(t, err)
	assert.Equal(t, ClassNonRetryable, ClassOf(err))
}

func TestMapOutboundResolvesReferences(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{mappings: map[string]string{
		"local:product:store-1:commerce": "remote-77",
	}}

	out, err := testMapping().MapOutbound(context.Background(), tenantID, resolver, map[string]any{
		"email":    "jo@example.com",
		"store_id": "store-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "remote-77", out["location_id"])
}

func TestMapOutboundUnresolvedReferenceFailsPreflight(t *testing.T) {
	resolver := &fakeResolver{mappings: map[string]string{}}

	_, err := testMapping().MapOutbound(context.Background(), uuid.New(), resolver, map[string]any{
		"email":    "jo@example.com",
		"store_id": "store-1",
	})
	require.Error(t, err)
	assert.Equal(t, ClassNonRetryable, ClassOf(err))
}

func TestMapInboundReversesFieldNames(t *testing.T) {
	tenantID := uuid.New()
	resolver := &fakeResolver{mappings: map[string]string{
		"commerce:product:remote-77:local": "store-1",
	}}

	out, err := testMapping().MapInbound(context.Background(), tenantID, resolver, map[string]any{
		"email":       "jo@example.com",
		"full_name":   "Jo",
		"location_id": "remote-77",
	})
	require.NoError(t, err)

	assert.Equal(t, "jo@example.com", out["email"])
	assert.Equal(t, "Jo", out["name"])
	assert.Equal(t, "store-1", out["store_id"])
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		class  ErrorClass
	}{
		{http.StatusInternalServerError, ClassRetryable},
		{http.StatusBadGateway, ClassRetryable},
		{http.StatusTooManyRequests, ClassRateLimited},
		{http.StatusUnauthorized, ClassAuthExpired},
		{http.StatusForbidden, ClassFatal},
		{http.StatusConflict, ClassConflict},
		{http.StatusBadRequest, ClassNonRetryable},
		{http.StatusNotFound, ClassNonRetryable},
		{http.StatusUnprocessableEntity, ClassNonRetryable},
	}

	for _, tc := range cases {
		err := ClassifyStatus(tc.status, "", 0)
		assert.Equal(t, tc.class, err.Class, "status %d", tc.status)
	}
}

func TestClassifyStatusCarriesRetryHint(t *testing.T) {
	err := ClassifyStatus(http.StatusTooManyRequests, "slow down", 30*time.Second)
	assert.Equal(t, 30*time.Second, RetryAfterOf(err))
}

func TestClassOfUnclassifiedDefaultsRetryable(t *testing.T) {
	assert.Equal(t, ClassRetryable, ClassOf(errors.New("connection reset")))
}
