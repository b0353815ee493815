// ABOUTME: Remote synchronization client for the private and shared partitions.
// ABOUTME: Presents partition-transparent query/save/fetch over HTTP.
package petsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Partition names one of the two logical remote storage areas.
type Partition string

const (
	PartitionPrivate Partition = "private"
	PartitionShared  Partition = "shared"
)

// Client performs save/fetch/query RPCs against the sync server.
type Client struct {
	cfg RemoteConfig
	hc  *http.Client
	log *zap.Logger
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg RemoteConfig, log *zap.Logger) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
		log: log,
	}
}

// Configured reports whether the client can reach a remote.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.AuthToken != ""
}

// recordJSON is the HTTP shape of a wire record.
type recordJSON struct {
	Kind     RecordKind     `json:"kind"`
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

func toRecordJSON(rec WireRecord) recordJSON {
	return recordJSON{Kind: rec.Kind, RecordID: rec.ID.String(), Fields: rec.Fields}
}

func fromRecordJSON(rj recordJSON) (WireRecord, error) {
	id, err := ParseRecordID(rj.RecordID)
	if err != nil {
		return WireRecord{}, err
	}
	return WireRecord{Kind: rj.Kind, ID: id, Fields: rj.Fields}, nil
}

// do executes one authenticated request and maps the failure taxonomy:
// transport errors to ErrNetwork, 404 to ErrNotFound, 401/403 to
// ErrUnauthorized, 5xx to ErrServerError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrServerError, resp.Status)
	default:
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Save writes a record to the owner's private partition and returns the
// remote record id. Sharing-induced writes to the shared partition are
// the sharing manager's concern, not this operation's.
func (c *Client) Save(ctx context.Context, rec WireRecord) (RecordID, error) {
	return WithRetry(ctx, c.cfg.GetRetryConfig(), "save", func() (RecordID, error) {
		var out struct {
			RecordID string `json:"record_id"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/db/private/records", toRecordJSON(rec), &out); err != nil {
			return RecordID{}, err
		}
		return ParseRecordID(out.RecordID)
	})
}

// SaveBatch writes several records to the private partition as a single
// all-or-nothing unit.
func (c *Client) SaveBatch(ctx context.Context, recs []WireRecord) error {
	payload := struct {
		Records []recordJSON `json:"records"`
	}{}
	for _, rec := range recs {
		payload.Records = append(payload.Records, toRecordJSON(rec))
	}
	_, err := WithRetry(ctx, c.cfg.GetRetryConfig(), "batch-save", func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, "/v1/db/private/batch", payload, nil)
	})
	return err
}

// Fetch reads one record, trying the private partition first and
// falling back to the shared partition before reporting absence.
func (c *Client) Fetch(ctx context.Context, id RecordID) (WireRecord, error) {
	return WithRetry(ctx, c.cfg.GetRetryConfig(), "fetch", func() (WireRecord, error) {
		rec, err := c.fetchPartition(ctx, PartitionPrivate, id)
		if err == nil {
			return rec, nil
		}
		if !IsNotFound(err) {
			return WireRecord{}, err
		}
		return c.fetchPartition(ctx, PartitionShared, id)
	})
}

func (c *Client) fetchPartition(ctx context.Context, p Partition, id RecordID) (WireRecord, error) {
	var out recordJSON
	path := fmt.Sprintf("/v1/db/%s/records/%s/%s", p, url.PathEscape(id.Zone), url.PathEscape(id.Name))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return WireRecord{}, err
	}
	return fromRecordJSON(out)
}

// Delete removes a record from the private partition.
func (c *Client) Delete(ctx context.Context, id RecordID) error {
	_, err := WithRetry(ctx, c.cfg.GetRetryConfig(), "delete", func() (struct{}, error) {
		path := fmt.Sprintf("/v1/db/private/records/%s/%s", url.PathEscape(id.Zone), url.PathEscape(id.Name))
		return struct{}{}, c.do(ctx, http.MethodDelete, path, nil, nil)
	})
	return err
}

// QueryFilter restricts a query to records whose fields equal the given
// values. An empty filter matches every record of the kind.
type QueryFilter map[string]any

// Query fetches records of one kind from both partitions: private
// first, then shared. Results are deduplicated by record name with
// private taking precedence. Partition failures are independent; the
// call fails only when both partitions fail.
func (c *Client) Query(ctx context.Context, kind RecordKind, filter QueryFilter, orderBy string) ([]WireRecord, error) {
	priv, privErr := c.queryPartition(ctx, PartitionPrivate, kind, filter, orderBy)
	shared, sharedErr := c.queryPartition(ctx, PartitionShared, kind, filter, orderBy)

	if privErr != nil && sharedErr != nil {
		return nil, &SyncError{Op: "query", Kind: kind, Err: privErr, Retries: 1}
	}
	if privErr != nil {
		c.log.Warn("private partition query failed, serving shared results only",
			zap.String("kind", string(kind)), zap.Error(privErr))
	}
	if sharedErr != nil {
		c.log.Warn("shared partition query failed, serving private results only",
			zap.String("kind", string(kind)), zap.Error(sharedErr))
	}

	seen := make(map[string]struct{}, len(priv))
	out := make([]WireRecord, 0, len(priv)+len(shared))
	for _, rec := range priv {
		seen[rec.ID.Name] = struct{}{}
		out = append(out, rec)
	}
	for _, rec := range shared {
		if _, dup := seen[rec.ID.Name]; dup {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) queryPartition(ctx context.Context, p Partition, kind RecordKind, filter QueryFilter, orderBy string) ([]WireRecord, error) {
	payload := struct {
		Kind    RecordKind     `json:"kind"`
		Filter  map[string]any `json:"filter,omitempty"`
		OrderBy string         `json:"order_by,omitempty"`
	}{Kind: kind, Filter: filter, OrderBy: orderBy}

	return WithRetry(ctx, c.cfg.GetRetryConfig(), "query", func() ([]WireRecord, error) {
		var out struct {
			Records []recordJSON `json:"records"`
		}
		if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/db/%s/query", p), payload, &out); err != nil {
			return nil, err
		}
		recs := make([]WireRecord, 0, len(out.Records))
		for _, rj := range out.Records {
			rec, err := fromRecordJSON(rj)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, nil
	})
}

// acceptShareReq registers a participant against a share token.
type acceptShareReq struct {
	Token       string      `json:"token"`
	Participant Participant `json:"participant"`
}

// AcceptShare registers identity as a consumer of the capability token
// carried by the invitation URL's claim string.
func (c *Client) AcceptShare(ctx context.Context, tokenClaim string, identity Participant) error {
	_, err := WithRetry(ctx, c.cfg.GetRetryConfig(), "accept-share", func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPost, "/v1/share/accept",
			acceptShareReq{Token: tokenClaim, Participant: identity}, nil)
	})
	return err
}
