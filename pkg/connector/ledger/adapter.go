// Package ledger implements the connector adapter for the accounting
// platform.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/connector"
	"github.com/Ramsey-B/fern/pkg/connector/transform"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Platform is the platform name this adapter serves.
const Platform = "ledger"

const pageSize = 50

var entityPaths = map[models.EntityType]string{
	models.EntityCustomer: "contacts",
	models.EntityInvoice:  "invoices",
	models.EntityProduct:  "items",
}

// Adapter talks to the accounting platform's API. The accounting side uses
// offset pagination and modified-since filtering rather than page tokens.
type Adapter struct {
	http     *httpclient.Client
	auth     *auth.Manager
	resolver connector.Resolver
	baseURL  string
	mappings map[models.EntityType]*connector.Mapping
	logger   ectologger.Logger
}

// NewAdapter creates a ledger adapter
func NewAdapter(httpClient *httpclient.Client, authManager *auth.Manager, resolver connector.Resolver, baseURL string, logger ectologger.Logger) *Adapter {
	return &Adapter{
		http:     httpClient,
		auth:     authManager,
		resolver: resolver,
		baseURL:  baseURL,
		mappings: defaultMappings(),
		logger:   logger,
	}
}

func (a *Adapter) Platform() string {
	return Platform
}

// Fetch returns entities modified since the cursor. The cursor encodes the
// numeric offset into the filtered result set.
func (a *Adapter) Fetch(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, since connector.Cursor) (*connector.Page, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerAdapter.Fetch")
	defer span.End()

	path, ok := entityPaths[entityType]
	if !ok {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("unsupported entity type: %s", entityType))
	}

	token, err := a.auth.GetToken(ctx, tenantID, Platform)
	if err != nil {
		return nil, connector.NewError(connector.ClassFatal, err.Error())
	}

	offset := 0
	if since != "" {
		offset, err = strconv.Atoi(string(since))
		if err != nil {
			return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("malformed cursor: %s", since))
		}
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(pageSize))
	query.Set("offset", strconv.Itoa(offset))

	start := time.Now()
	resp, err := a.http.Get(ctx, fmt.Sprintf("%s/%s?%s", a.baseURL, path, query.Encode()), token.AuthHeaders())
	if err != nil {
		return nil, connector.WrapTransport(err)
	}
	metrics.RecordConnectorRequest(Platform, "fetch", strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	var body struct {
		Records    []map[string]any `json:"records"`
		TotalCount int              `json:"total_count"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("malformed fetch response: %v", err))
	}

	page := &connector.Page{}

	for _, record := range body.Records {
		id, _ := record["id"].(string)
		entity := connector.RemoteEntity{
			EntityType: entityType,
			RemoteID:   id,
			Data:       record,
		}
		if raw, ok := record["modified_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				entity.UpdatedAt = t
			}
		}
		page.Entities = append(page.Entities, entity)
	}

	next := offset + len(body.Records)
	if next < body.TotalCount {
		page.NextCursor = connector.Cursor(strconv.Itoa(next))
		page.HasMore = true
	}

	a.logger.WithContext(ctx).Debugf("Fetched %d %s entities from ledger (offset %d of %d)",
		len(page.Entities), entityType, offset, body.TotalCount)

	return page, nil
}

// Push applies a create, update, or delete against the platform. The ledger
// API archives on delete rather than destroying records.
func (a *Adapter) Push(ctx context.Context, tenantID uuid.UUID, op models.SyncOperation, entity connector.LocalEntity) (*connector.PushResult, error) {
	ctx, span := tracing.StartSpan(ctx, "LedgerAdapter.Push")
	defer span.End()

	path, ok := entityPaths[entity.EntityType]
	if !ok {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("unsupported entity type: %s", entity.EntityType))
	}

	mapping, ok := a.mappings[entity.EntityType]
	if !ok {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("no field mapping for entity type: %s", entity.EntityType))
	}

	token, err := a.auth.GetToken(ctx, tenantID, Platform)
	if err != nil {
		return nil, connector.NewError(connector.ClassFatal, err.Error())
	}

	remoteID, hasMapping, err := a.resolver.Resolve(ctx, tenantID, models.LocalSystem, entity.EntityType, entity.LocalID, Platform)
	if err != nil {
		return nil, err
	}

	var method, pushURL string
	var payload []byte

	switch op {
	case models.OperationCreate:
		method = http.MethodPost
		pushURL = fmt.Sprintf("%s/%s", a.baseURL, path)
	case models.OperationUpdate:
		if !hasMapping {
			method = http.MethodPost
			pushURL = fmt.Sprintf("%s/%s", a.baseURL, path)
		} else {
			method = http.MethodPut
			pushURL = fmt.Sprintf("%s/%s/%s", a.baseURL, path, remoteID)
		}
	case models.OperationDelete, models.OperationArchive:
		if !hasMapping {
			return nil, connector.NewError(connector.ClassNonRetryable, "cannot archive an entity with no remote mapping")
		}
		// Archive either way, never destroy. Accounting records are
		// immutable history.
		method = http.MethodPost
		pushURL = fmt.Sprintf("%s/%s/%s/archive", a.baseURL, path, remoteID)
	default:
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("unsupported push operation: %s", op))
	}

	if op == models.OperationCreate || op == models.OperationUpdate {
		mapped, err := mapping.MapOutbound(ctx, tenantID, a.resolver, entity.Data)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(mapped)
		if err != nil {
			return nil, connector.NewError(connector.ClassNonRetryable, err.Error())
		}
	}

	start := time.Now()
	resp, err := a.http.Send(ctx, method, pushURL, payload, token.AuthHeaders())
	if err != nil {
		return nil, connector.WrapTransport(err)
	}
	metrics.RecordConnectorRequest(Platform, string(op), strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(resp)
	}

	result := &connector.PushResult{RemoteID: remoteID, UpdatedAt: time.Now().UTC()}

	if op == models.OperationCreate || op == models.OperationUpdate {
		var body struct {
			ID         string    `json:"id"`
			ModifiedAt time.Time `json:"modified_at"`
		}
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			if body.ID != "" {
				result.RemoteID = body.ID
			}
			if !body.ModifiedAt.IsZero() {
				result.UpdatedAt = body.ModifiedAt
			}
		}
	}

	return result, nil
}

func classify(resp *httpclient.Response) *connector.Error {
	var retryAfter time.Duration
	if hint, ok := resp.Headers["Retry-After"]; ok {
		if d, err := ratelimit.ParseRetryAfter(hint); err == nil {
			retryAfter = d
		}
	}

	message := http.StatusText(resp.StatusCode)
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Detail != "" {
		message = body.Detail
	}

	return connector.ClassifyStatus(resp.StatusCode, message, retryAfter)
}

func defaultMappings() map[models.EntityType]*connector.Mapping {
	return map[models.EntityType]*connector.Mapping{
		models.EntityCustomer: {
			Platform:   Platform,
			EntityType: models.EntityCustomer,
			Fields: []connector.FieldMapping{
				{LocalField: "company", RemoteField: "name", MaxLen: 255, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "first_name", RemoteField: "first_name", Required: true, MaxLen: 100, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "last_name", RemoteField: "last_name", Required: true, MaxLen: 100, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "email", RemoteField: "email_address", Required: true, MaxLen: 255, Transforms: []transform.Step{{Name: "trim"}, {Name: "to_lower"}}},
				{LocalField: "phone", RemoteField: "phone_number", MaxLen: 30, Transforms: []transform.Step{{Name: "phone_digits"}}},
			},
		},
		models.EntityProduct: {
			Platform:   Platform,
			EntityType: models.EntityProduct,
			Fields: []connector.FieldMapping{
				{LocalField: "name", RemoteField: "description", Required: true, MaxLen: 100, Transforms: []transform.Step{{Name: "trim"}, {Name: "truncate", Arg: "100"}}},
				{LocalField: "sku", RemoteField: "code", Required: true, MaxLen: 30, Transforms: []transform.Step{{Name: "trim"}, {Name: "to_upper"}}},
				{LocalField: "price", RemoteField: "unit_price", Required: true, Transforms: []transform.Step{{Name: "currency_round"}}},
			},
		},
		models.EntityInvoice: {
			Platform:   Platform,
			EntityType: models.EntityInvoice,
			Fields: []connector.FieldMapping{
				{LocalField: "customer_id", RemoteField: "contact_id", Required: true, Lookup: &connector.LookupSpec{EntityType: models.EntityCustomer}},
				{LocalField: "total", RemoteField: "amount_due", Required: true, Transforms: []transform.Step{{Name: "currency_round"}}},
				{LocalField: "currency", RemoteField: "currency_code", Required: true, MaxLen: 3, Transforms: []transform.Step{{Name: "to_upper"}}},
				{LocalField: "issued_at", RemoteField: "issue_date", Transforms: []transform.Step{{Name: "date_format", Arg: "2006-01-02"}}},
				{LocalField: "due_at", RemoteField: "due_date", Transforms: []transform.Step{{Name: "date_format", Arg: "2006-01-02"}}},
			},
		},
	}
}
