package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Backend is a thin authenticated client for the record API.
//
// It surfaces the raw HTTP status so callers can distinguish 404 from 403
// from 5xx. Any transport failure is returned as an error with status 0.
type Backend struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// LoginResult is what /auth/login gives us.
type LoginResult struct {
	Token  string
	Access string
}

// SchemaAccess is the answer to a describe call. Either an access level or
// explicit per-operation permissions.
type SchemaAccess struct {
	Access    string
	CanWrite  bool
	CanDelete bool
}

// SchemaStats holds aggregate metadata for a schema, cached on channels.
type SchemaStats struct {
	Total      int64
	MinCreated string
	MaxCreated string
	MaxUpdated string
}

func NewBackend(baseURL string, log zerolog.Logger) *Backend {
	return &Backend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Login authenticates a tenant/username pair.
//
// The API responds with either {data:{token,access}} or a flat
// {token,access}. Some deployments use "jwt" instead of "token". Accept all
// of it.
func (b *Backend) Login(ctx context.Context, tenant, username string) (
	LoginResult, error,
) {
	body := map[string]string{"tenant": tenant, "username": username}

	status, buf, err := b.request(ctx, "POST", "/auth/login", "", body)
	if err != nil {
		return LoginResult{}, err
	}
	if status != http.StatusOK {
		return LoginResult{}, fmt.Errorf("login failed: status %d", status)
	}

	var payload struct {
		Token  string `json:"token"`
		JWT    string `json:"jwt"`
		Access string `json:"access"`
		Data   struct {
			Token  string `json:"token"`
			JWT    string `json:"jwt"`
			Access string `json:"access"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return LoginResult{}, errors.Wrap(err, "error decoding login response")
	}

	result := LoginResult{Token: payload.Token, Access: payload.Access}
	if result.Token == "" {
		result.Token = payload.JWT
	}
	if result.Token == "" {
		result.Token = payload.Data.Token
	}
	if result.Token == "" {
		result.Token = payload.Data.JWT
	}
	if result.Access == "" {
		result.Access = payload.Data.Access
	}

	if result.Token == "" {
		return LoginResult{}, errors.New("login response has no token")
	}
	if result.Access == "" {
		result.Access = AccessRead
	}

	return result, nil
}

// GetRecord retrieves a single record.
func (b *Backend) GetRecord(ctx context.Context, token, schema, id string) (
	map[string]interface{}, int, error,
) {
	path := "/api/data/" + url.PathEscape(schema) + "/" + url.PathEscape(id)

	status, buf, err := b.request(ctx, "GET", path, token, nil)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("get record: status %d", status)
	}

	record, err := decodeRecord(buf)
	if err != nil {
		return nil, status, err
	}
	return record, status, nil
}

// ListRecords retrieves up to limit records from a schema.
func (b *Backend) ListRecords(ctx context.Context, token, schema string,
	limit int) ([]map[string]interface{}, int, error,
) {
	path := fmt.Sprintf("/api/data/%s?limit=%d", url.PathEscape(schema), limit)

	status, buf, err := b.request(ctx, "GET", path, token, nil)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("list records: status %d", status)
	}

	records, err := decodeRecords(buf)
	if err != nil {
		return nil, status, err
	}
	return records, status, nil
}

// Find runs a filtered query against a schema.
func (b *Backend) Find(ctx context.Context, token, schema string,
	query map[string]interface{}) ([]map[string]interface{}, int, error,
) {
	path := "/api/find/" + url.PathEscape(schema)

	status, buf, err := b.request(ctx, "POST", path, token, query)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("find: status %d", status)
	}

	records, err := decodeRecords(buf)
	if err != nil {
		return nil, status, err
	}
	return records, status, nil
}

// Aggregate runs an aggregation against a schema.
func (b *Backend) Aggregate(ctx context.Context, token, schema string,
	body map[string]interface{}) ([]map[string]interface{}, int, error,
) {
	path := "/api/aggregate/" + url.PathEscape(schema)

	status, buf, err := b.request(ctx, "POST", path, token, body)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK {
		return nil, status, fmt.Errorf("aggregate: status %d", status)
	}

	records, err := decodeRecords(buf)
	if err != nil {
		return nil, status, err
	}
	return records, status, nil
}

// SchemaStats fetches aggregate metadata for a schema: record count plus
// created/updated bounds. Used to seed a schema channel's topic.
func (b *Backend) SchemaStats(ctx context.Context, token, schema string) (
	SchemaStats, error,
) {
	body := map[string]interface{}{
		"aggregate": map[string]interface{}{
			"total_records": map[string]interface{}{"$count": "*"},
			"min_created":   map[string]interface{}{"$min": "created_at"},
			"max_created":   map[string]interface{}{"$max": "created_at"},
			"max_updated":   map[string]interface{}{"$max": "updated_at"},
		},
	}

	rows, status, err := b.Aggregate(ctx, token, schema, body)
	if err != nil {
		return SchemaStats{}, errors.Wrapf(err, "stats for %s (status %d)",
			schema, status)
	}
	if len(rows) == 0 {
		return SchemaStats{}, nil
	}

	row := rows[0]
	stats := SchemaStats{
		MinCreated: asString(row["min_created"]),
		MaxCreated: asString(row["max_created"]),
		MaxUpdated: asString(row["max_updated"]),
	}
	if n, ok := row["total_records"].(float64); ok {
		stats.Total = int64(n)
	}

	return stats, nil
}

// DescribeSchema fetches schema-level access information. Used as the
// permission fallback for KICK.
func (b *Backend) DescribeSchema(ctx context.Context, token, schema string) (
	SchemaAccess, int, error,
) {
	path := "/api/describe/schema/" + url.PathEscape(schema)

	status, buf, err := b.request(ctx, "GET", path, token, nil)
	if err != nil {
		return SchemaAccess{}, 0, err
	}
	if status != http.StatusOK {
		return SchemaAccess{}, status, fmt.Errorf("describe: status %d", status)
	}

	var payload struct {
		Access      string `json:"access"`
		Permissions struct {
			Write  bool `json:"write"`
			Delete bool `json:"delete"`
		} `json:"permissions"`
		Data struct {
			Access      string `json:"access"`
			Permissions struct {
				Write  bool `json:"write"`
				Delete bool `json:"delete"`
			} `json:"permissions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return SchemaAccess{}, status, errors.Wrap(err,
			"error decoding describe response")
	}

	access := SchemaAccess{
		Access:    payload.Access,
		CanWrite:  payload.Permissions.Write,
		CanDelete: payload.Permissions.Delete,
	}
	if access.Access == "" {
		access.Access = payload.Data.Access
		access.CanWrite = access.CanWrite || payload.Data.Permissions.Write
		access.CanDelete = access.CanDelete || payload.Data.Permissions.Delete
	}

	return access, status, nil
}

// RetrieveFile fetches the contents of a file-typed field on a record.
func (b *Backend) RetrieveFile(ctx context.Context, token, schema, id,
	field string) (string, int, error,
) {
	body := map[string]interface{}{
		"urls": []string{fmt.Sprintf("/data/%s/%s/%s", schema, id, field)},
	}

	status, buf, err := b.request(ctx, "POST", "/api/file/retrieve", token, body)
	if err != nil {
		return "", 0, err
	}
	if status != http.StatusOK {
		return "", status, fmt.Errorf("file retrieve: status %d", status)
	}

	return string(buf), status, nil
}

// request performs one HTTP round trip. It returns the status code and the
// raw response body. A transport-level failure returns status 0.
func (b *Backend) request(ctx context.Context, method, path, token string,
	body interface{}) (int, []byte, error,
) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "error encoding request body")
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, "error building request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug().Str("request_id", requestID).Str("method", method).
			Str("path", path).Err(err).Msg("backend request failed")
		return 0, nil, errors.Wrap(err, "backend request failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "error reading response")
	}

	b.log.Debug().Str("request_id", requestID).Str("method", method).
		Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("backend request")

	return resp.StatusCode, buf, nil
}

// decodeRecords pulls a list of records out of a response that is either
// {data:[...]} or a bare JSON array.
func decodeRecords(buf []byte) ([]map[string]interface{}, error) {
	var wrapped struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(buf, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}

	var bare []map[string]interface{}
	if err := json.Unmarshal(buf, &bare); err == nil {
		return bare, nil
	}

	return nil, errors.New("response is not a record list")
}

// decodeRecord pulls a single record out of a response that is either
// {data:{...}} or a bare JSON object.
func decodeRecord(buf []byte) (map[string]interface{}, error) {
	var wrapped struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(buf, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}

	var bare map[string]interface{}
	if err := json.Unmarshal(buf, &bare); err == nil && bare != nil {
		return bare, nil
	}

	return nil, errors.New("response is not a record")
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
