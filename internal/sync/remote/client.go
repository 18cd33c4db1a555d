// Package remote implements the server side of record sync over a JSON
// HTTP API:
//
//	GET /records/{entity}/{id}   one record, 404 when the server has none
//	PUT /records/{entity}/{id}   store a record, responds with serverModified
//	GET /records?since={ms}      records changed on the server since ms
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// Config holds remote client configuration.
type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// HTTPClient talks to the sync server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote URL is not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "invalid remote URL", err)
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

func (c *HTTPClient) recordURL(entity models.EntityKind, id string) string {
	return fmt.Sprintf("%s/records/%s/%s", c.baseURL, url.PathEscape(string(entity)), url.PathEscape(id))
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader interface{}
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, apperrors.Wrap(apperrors.ErrSyncTimeout, method+" "+target, err)
		}
		return 0, nil, apperrors.Wrap(apperrors.ErrSyncFailed, method+" "+target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to read response", err)
	}
	return resp.StatusCode, data, nil
}

// Pull returns the server copy of a record, or nil when the server has
// none.
func (c *HTTPClient) Pull(ctx context.Context, entity models.EntityKind, id string) (*models.Record, error) {
	status, data, err := c.do(ctx, http.MethodGet, c.recordURL(entity, id), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, unexpectedStatus(http.MethodGet, status, data)
	}

	rec, err := ParseRecord(gjson.ParseBytes(data))
	if err != nil {
		return nil, err
	}
	if rec.Entity != entity || rec.ID != id {
		return nil, apperrors.Newf(apperrors.ErrRecordMismatch, "server returned %s for %s/%s", rec.Key(), entity, id)
	}
	return rec, nil
}

type pushRequest struct {
	Fields             models.Fields `json:"fields"`
	LocalModified      int64         `json:"localModified"`
	BaseServerModified *int64        `json:"baseServerModified,omitempty"`
}

// Push stores the record on the server and returns the server timestamp
// assigned to it.
func (c *HTTPClient) Push(ctx context.Context, rec *models.Record) (int64, error) {
	body, err := json.Marshal(pushRequest{
		Fields:             rec.Fields,
		LocalModified:      rec.LocalModified,
		BaseServerModified: rec.ServerModified,
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to encode record", err)
	}

	status, data, err := c.do(ctx, http.MethodPut, c.recordURL(rec.Entity, rec.ID), body)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return 0, unexpectedStatus(http.MethodPut, status, data)
	}

	ts := gjson.GetBytes(data, "serverModified")
	if !ts.Exists() {
		return 0, apperrors.New(apperrors.ErrSyncFailed, "push response has no serverModified")
	}

	logging.Debug("Record pushed", map[string]interface{}{
		"record":          rec.Key(),
		"server_modified": ts.Int(),
	})
	return ts.Int(), nil
}

// Changes lists records changed on the server after since.
func (c *HTTPClient) Changes(ctx context.Context, since int64) ([]*models.Record, error) {
	target := c.baseURL + "/records?since=" + strconv.FormatInt(since, 10)
	status, data, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, unexpectedStatus(http.MethodGet, status, data)
	}
	if !gjson.ValidBytes(data) {
		return nil, apperrors.New(apperrors.ErrSyncFailed, "changes response is not valid JSON")
	}

	var records []*models.Record
	var parseErr error
	gjson.GetBytes(data, "records").ForEach(func(_, value gjson.Result) bool {
		rec, err := ParseRecord(value)
		if err != nil {
			parseErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return records, nil
}

// ParseRecord reads a server record:
// {"entity":..., "id":..., "fields":{...}, "serverModified":...}.
func ParseRecord(doc gjson.Result) (*models.Record, error) {
	entity := models.EntityKind(doc.Get("entity").String())
	id := doc.Get("id").String()
	if !entity.Valid() || id == "" {
		return nil, apperrors.Newf(apperrors.ErrSyncFailed, "server record has invalid identity %q/%q", entity, id)
	}

	raw := doc.Get("fields")
	if !raw.IsObject() {
		return nil, apperrors.Newf(apperrors.ErrSyncFailed, "server record %s/%s has no fields object", entity, id)
	}
	fields, err := models.FieldsFromJSON([]byte(raw.Raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "invalid server fields", err)
	}

	ts := doc.Get("serverModified")
	if !ts.Exists() {
		return nil, apperrors.Newf(apperrors.ErrSyncFailed, "server record %s/%s has no serverModified", entity, id)
	}
	serverModified := ts.Int()

	return &models.Record{
		Entity: entity,
		ID:     id,
		Fields: fields,
		SyncMeta: models.SyncMeta{
			LocalModified:  serverModified,
			ServerModified: &serverModified,
			ConflictFlag:   models.ConflictNone,
		},
	}, nil
}

func unexpectedStatus(method string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, method+" failed",
		fmt.Errorf("unexpected status %d: %s", status, msg))
}
