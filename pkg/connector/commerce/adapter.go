// Package commerce implements the connector adapter for the e-commerce
// platform.
package commerce

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
const Platform = "commerce"

const defaultPageSize = 100

var entityPaths = map[models.EntityType]string{
	models.EntityCustomer:  "customers",
	models.EntityProduct:   "products",
	models.EntityOrder:     "orders",
	models.EntityInventory: "inventory_levels",
}

// Adapter talks to the e-commerce platform's REST API. It holds no retry
// logic; classification of failures is its only error responsibility.
type Adapter struct {
	http     *httpclient.Client
	auth     *auth.Manager
	resolver connector.Resolver
	baseURL  string
	mappings map[models.EntityType]*connector.Mapping
	logger   ectologger.Logger
}

// NewAdapter creates a commerce adapter
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

// Fetch returns entities changed since the cursor, one page at a time.
func (a *Adapter) Fetch(ctx context.Context, tenantID uuid.UUID, entityType models.EntityType, since connector.Cursor) (*connector.Page, error) {
	ctx, span := tracing.StartSpan(ctx, "CommerceAdapter.Fetch")
	defer span.End()

	path, ok := entityPaths[entityType]
	if !ok {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("unsupported entity type: %s", entityType))
	}

	token, err := a.auth.GetToken(ctx, tenantID, Platform)
	if err != nil {
		return nil, connector.NewError(connector.ClassFatal, err.Error())
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(defaultPageSize))
	if since != "" {
		query.Set("page_info", string(since))
	}

	fetchURL := fmt.Sprintf("%s/%s?%s", a.baseURL, path, query.Encode())

	start := time.Now()
	resp, err := a.http.Get(ctx, fetchURL, token.AuthHeaders())
	if err != nil {
		return nil, connector.WrapTransport(err)
	}
	metrics.RecordConnectorRequest(Platform, "fetch", strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, a.classify(resp)
	}

	var body struct {
		Items []struct {
			ID        string         `json:"id"`
			UpdatedAt time.Time      `json:"updated_at"`
			Data      map[string]any `json:"-"`
		} `json:"items"`
		NextPageInfo string `json:"next_page_info"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("malformed fetch response: %v", err))
	}

	// Re-decode items as raw maps to keep every platform field available to
	// the inbound mapping.
	var raw struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, connector.NewError(connector.ClassNonRetryable, fmt.Sprintf("malformed fetch response: %v", err))
	}

	page := &connector.Page{
		NextCursor: connector.Cursor(body.NextPageInfo),
		HasMore:    body.NextPageInfo != "",
	}

	for i, item := range body.Items {
		page.Entities = append(page.Entities, connector.RemoteEntity{
			EntityType: entityType,
			RemoteID:   item.ID,
			Data:       raw.Items[i],
			UpdatedAt:  item.UpdatedAt,
		})
	}

	a.logger.WithContext(ctx).Debugf("Fetched %d %s entities from commerce", len(page.Entities), entityType)

	return page, nil
}

// Push applies a create, update, delete, or archive against the platform.
// A delete issues a hard DELETE; an archive posts to the archive endpoint
// and keeps the remote record.
func (a *Adapter) Push(ctx context.Context, tenantID uuid.UUID, op models.SyncOperation, entity connector.LocalEntity) (*connector.PushResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CommerceAdapter.Push")
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
			// First push of an entity the remote has never seen creates it.
			method = http.MethodPost
			pushURL = fmt.Sprintf("%s/%s", a.baseURL, path)
		} else {
			method = http.MethodPut
			pushURL = fmt.Sprintf("%s/%s/%s", a.baseURL, path, remoteID)
		}
	case models.OperationDelete:
		if !hasMapping {
			return nil, connector.NewError(connector.ClassNonRetryable, "cannot delete an entity with no remote mapping")
		}
		method = http.MethodDelete
		pushURL = fmt.Sprintf("%s/%s/%s", a.baseURL, path, remoteID)
	case models.OperationArchive:
		if !hasMapping {
			return nil, connector.NewError(connector.ClassNonRetryable, "cannot archive an entity with no remote mapping")
		}
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
		return nil, a.classify(resp)
	}

	result := &connector.PushResult{RemoteID: remoteID, UpdatedAt: time.Now().UTC()}

	if op == models.OperationCreate || op == models.OperationUpdate {
		var body struct {
			ID        string    `json:"id"`
			UpdatedAt time.Time `json:"updated_at"`
		}
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			if body.ID != "" {
				result.RemoteID = body.ID
			}
			if !body.UpdatedAt.IsZero() {
				result.UpdatedAt = body.UpdatedAt
			}
		}
	}

	return result, nil
}

func (a *Adapter) classify(resp *httpclient.Response) *connector.Error {
	var retryAfter time.Duration
	if hint, ok := resp.Headers["Retry-After"]; ok {
		if d, err := ratelimit.ParseRetryAfter(hint); err == nil {
			retryAfter = d
		}
	}

	message := http.StatusText(resp.StatusCode)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		if body.Error != "" {
			message = body.Error
		} else if body.Message != "" {
			message = body.Message
		}
	}

	return connector.ClassifyStatus(resp.StatusCode, message, retryAfter)
}

func defaultMappings() map[models.EntityType]*connector.Mapping {
	return map[models.EntityType]*connector.Mapping{
		models.EntityProduct: {
			Platform:   Platform,
			EntityType: models.EntityProduct,
			Fields: []connector.FieldMapping{
				{LocalField: "name", RemoteField: "title", Required: true, MaxLen: 255, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "description", RemoteField: "body_html", MaxLen: 65535},
				{LocalField: "sku", RemoteField: "sku", Required: true, MaxLen: 64, Transforms: []transform.Step{{Name: "trim"}, {Name: "to_upper"}}},
				{LocalField: "price", RemoteField: "price", Required: true, Transforms: []transform.Step{{Name: "currency_round"}}},
				{LocalField: "barcode", RemoteField: "barcode", MaxLen: 64},
			},
		},
		models.EntityCustomer: {
			Platform:   Platform,
			EntityType: models.EntityCustomer,
			Fields: []connector.FieldMapping{
				{LocalField: "first_name", RemoteField: "first_name", Required: true, MaxLen: 128, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "last_name", RemoteField: "last_name", Required: true, MaxLen: 128, Transforms: []transform.Step{{Name: "trim"}}},
				{LocalField: "email", RemoteField: "email", Required: true, MaxLen: 255, Transforms: []transform.Step{{Name: "trim"}, {Name: "to_lower"}}},
				{LocalField: "phone", RemoteField: "phone", MaxLen: 32, Transforms: []transform.Step{{Name: "phone_digits"}}},
			},
		},
		models.EntityOrder: {
			Platform:   Platform,
			EntityType: models.EntityOrder,
			Fields: []connector.FieldMapping{
				{LocalField: "customer_id", RemoteField: "customer_id", Required: true, Lookup: &connector.LookupSpec{EntityType: models.EntityCustomer}},
				{LocalField: "total", RemoteField: "total_price", Required: true, Transforms: []transform.Step{{Name: "currency_round"}}},
				{LocalField: "currency", RemoteField: "currency", Required: true, MaxLen: 3, Transforms: []transform.Step{{Name: "to_upper"}}},
				{LocalField: "placed_at", RemoteField: "created_at", Transforms: []transform.Step{{Name: "date_format", Arg: time.RFC3339}}},
			},
		},
		models.EntityInventory: {
			Platform:   Platform,
			EntityType: models.EntityInventory,
			Fields: []connector.FieldMapping{
				{LocalField: "product_id", RemoteField: "inventory_item_id", Required: true, Lookup: &connector.LookupSpec{EntityType: models.EntityProduct}},
				{LocalField: "quantity", RemoteField: "available", Required: true},
				{LocalField: "location", RemoteField: "location_id", MaxLen: 64},
			},
		},
	}
}
