// Package gateway is the remote data surface. Every call returns data or a
// classified *errors.Error; nothing here retries or caches.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncerrors "github.com/alexjbarnes/edu-sync/internal/errors"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 15 * time.Second

// Config holds the gateway settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Paths overrides the collection path per domain. Domains not listed
	// use /v1/<domain>.
	Paths map[models.Domain]string
}

// HTTP talks to the remote data service over REST.
type HTTP struct {
	client *resty.Client
	paths  map[models.Domain]string
}

type collectionResponse struct {
	Records []models.Record `json:"records"`
}

type recordResponse struct {
	Record *models.Record `json:"record"`
}

type writeRequest struct {
	OperationID string               `json:"operation_id"`
	Type        models.OperationType `json:"type"`
	RecordID    string               `json:"record_id,omitempty"`
	Payload     json.RawMessage      `json:"payload"`
}

// NewHTTP returns a gateway for cfg. The base URL must include a scheme
// and host.
func NewHTTP(cfg Config) (*HTTP, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	paths := make(map[models.Domain]string, len(cfg.Paths))
	for d, p := range cfg.Paths {
		paths[d] = "/" + strings.Trim(p, "/")
	}

	return &HTTP{client: client, paths: paths}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty address")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("address must include host and scheme")
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// Path returns the collection path used for domain.
func (h *HTTP) Path(domain models.Domain) string {
	if p, ok := h.paths[domain]; ok {
		return p
	}

	return "/v1/" + string(domain)
}

// FetchCollection returns every record of domain visible to userID.
func (h *HTTP) FetchCollection(ctx context.Context, domain models.Domain, userID string) ([]models.Record, error) {
	var out collectionResponse

	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		Get(h.Path(domain))
	if err != nil {
		return nil, transportError(err, "fetching collection")
	}

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, syncerrors.Wrap(syncerrors.KindServerUnavailable, err, "decoding collection")
	}

	return confirmAll(out.Records), nil
}

// FetchOne returns a single record by id.
func (h *HTTP) FetchOne(ctx context.Context, domain models.Domain, userID, id string) (models.Record, error) {
	var out recordResponse

	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetPathParam("id", id).
		Get(h.Path(domain) + "/{id}")
	if err != nil {
		return models.Record{}, transportError(err, "fetching record")
	}

	if err := classifyStatus(resp); err != nil {
		return models.Record{}, err
	}

	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.Record == nil {
		if err == nil {
			err = fmt.Errorf("missing record")
		}

		return models.Record{}, syncerrors.Wrap(syncerrors.KindServerUnavailable, err, "decoding record")
	}

	return confirmAll([]models.Record{*out.Record})[0], nil
}

// Write submits m. The operation id travels as the Idempotency-Key header
// so a replay of an already-applied write is a no-op on the server.
func (h *HTTP) Write(ctx context.Context, userID string, m models.PendingMutation) (models.Record, error) {
	var out recordResponse

	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", m.OperationID).
		SetBody(writeRequest{
			OperationID: m.OperationID,
			Type:        m.OperationType,
			RecordID:    m.RecordID,
			Payload:     m.Payload,
		}).
		Post(h.Path(m.Domain) + "/mutations")
	if err != nil {
		return models.Record{}, transportError(err, "writing mutation")
	}

	if err := classifyStatus(resp); err != nil {
		return models.Record{}, err
	}

	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.Record == nil {
		if err == nil {
			err = fmt.Errorf("missing record")
		}

		return models.Record{}, syncerrors.Wrap(syncerrors.KindServerUnavailable, err, "decoding write result")
	}

	rec := confirmAll([]models.Record{*out.Record})[0]
	if rec.OperationID == "" {
		rec.OperationID = m.OperationID
	}

	return rec, nil
}

func confirmAll(records []models.Record) []models.Record {
	if records == nil {
		return []models.Record{}
	}

	for i := range records {
		records[i].State = models.StateConfirmed
	}

	return records
}

// transportError classifies a failure that happened before any HTTP
// status was received. Timeouts and cancellations count as network.
func transportError(err error, op string) error {
	if errors.Is(err, context.Canceled) {
		return syncerrors.Wrap(syncerrors.KindNetwork, err, op+": canceled")
	}

	return syncerrors.Wrap(syncerrors.KindNetwork, err, op)
}

func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(code)
	}

	msg := fmt.Sprintf("http %d: %s", code, body)

	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncerrors.New(syncerrors.KindAuth, msg)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return syncerrors.New(syncerrors.KindValidation, msg)
	case http.StatusTooManyRequests:
		return syncerrors.New(syncerrors.KindServerUnavailable, msg)
	}

	if code >= http.StatusInternalServerError {
		return syncerrors.New(syncerrors.KindServerUnavailable, msg)
	}

	return syncerrors.New(syncerrors.KindValidation, msg)
}
