package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keepsake-app/keepsake/internal/common"
)

// Attachment metadata headers. The body of an attachment PUT is ciphertext,
// so the plaintext byte length travels out of band.
const (
	headerByteLen   = "X-Keepsake-Byte-Length"
	headerMime      = "X-Keepsake-Mime"
	headerCreatedAt = "X-Keepsake-Created-At"
)

// AttachmentMeta describes the plaintext behind an uploaded ciphertext.
type AttachmentMeta struct {
	ByteLen     int64
	Mime        string
	CreatedAtMs int64
}

// Client talks to one vault on a managed relay, authenticated by a bearer
// token. Safe for concurrent use; a given sync scope must still be driven by
// one push/pull call at a time.
type Client struct {
	baseURL string
	vaultID string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewClient builds a vault client. httpClient may be nil for
// http.DefaultClient.
func NewClient(baseURL, vaultID, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		vaultID: vaultID,
		token:   token,
		client:  httpClient,
		now:     time.Now,
	}
}

// TargetID identifies this vault for cursor scoping.
func (c *Client) TargetID() string {
	return "vault:" + c.baseURL + "/" + c.vaultID
}

// checkToken fails fast when the bearer token is a JWT with an expiry in the
// past, saving a doomed network round trip. Opaque tokens pass through.
func (c *Client) checkToken() error {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.token, claims)
	if err != nil {
		return nil // not a JWT; let the server judge it
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(c.now()) {
		return common.ErrTokenExpired
	}
	return nil
}

func (c *Client) url(parts ...string) string {
	return c.baseURL + "/v1/vaults/" + c.vaultID + "/" + strings.Join(parts, "/")
}

func (c *Client) doJSON(ctx context.Context, method, rawURL string, in, out any) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var ce ConflictError
		if err := json.NewDecoder(resp.Body).Decode(&ce); err != nil {
			return fmt.Errorf("failed to decode conflict body: %w", err)
		}
		return &ce
	}
	if resp.StatusCode == http.StatusNotFound {
		return common.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("vault returned status %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode vault response: %w", err)
		}
	}
	return nil
}

// RegisterDevice registers or refreshes this device with the vault and
// returns the realtime endpoints the server advertises.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string) (*Endpoints, error) {
	var out Endpoints
	in := map[string]string{"device_id": deviceID}
	if err := c.doJSON(ctx, http.MethodPost, c.url("devices"), in, &out); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &out, nil
}

// PushOps uploads one batch of this device's ops. A structured rejection
// comes back as *ConflictError (matching common.ErrConflict).
func (c *Client) PushOps(ctx context.Context, deviceID string, ops []WireOp) (*PushResult, error) {
	var out PushResult
	in := pushRequest{DeviceID: deviceID, Ops: ops}
	if err := c.doJSON(ctx, http.MethodPost, c.url("ops:push"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullOps fetches one page of peer ops past the since cursors.
func (c *Client) PullOps(ctx context.Context, deviceID string, since map[string]int64, limit int) (*PullResult, error) {
	if since == nil {
		since = map[string]int64{}
	}
	var out PullResult
	in := pullRequest{DeviceID: deviceID, Since: since, Limit: limit}
	if err := c.doJSON(ctx, http.MethodPost, c.url("ops:pull"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutAttachment uploads attachment ciphertext under its content hash.
func (c *Client) PutAttachment(ctx context.Context, sha string, ciphertext []byte, meta AttachmentMeta) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("attachments", sha), bytes.NewReader(ciphertext))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerByteLen, strconv.FormatInt(meta.ByteLen, 10))
	req.Header.Set(headerMime, meta.Mime)
	req.Header.Set(headerCreatedAt, strconv.FormatInt(meta.CreatedAtMs, 10))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("attachment PUT %s: status %d: %s", sha, resp.StatusCode, string(b))
	}
	return nil
}

// GetAttachment downloads attachment ciphertext by content hash.
func (c *Client) GetAttachment(ctx context.Context, sha string) ([]byte, AttachmentMeta, error) {
	var meta AttachmentMeta
	if err := c.checkToken(); err != nil {
		return nil, meta, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("attachments", sha), nil)
	if err != nil {
		return nil, meta, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, meta, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, meta, fmt.Errorf("attachment %s: %w", sha, common.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, meta, fmt.Errorf("attachment GET %s: status %d: %s", sha, resp.StatusCode, string(b))
	}
	meta.ByteLen, _ = strconv.ParseInt(resp.Header.Get(headerByteLen), 10, 64)
	meta.CreatedAtMs, _ = strconv.ParseInt(resp.Header.Get(headerCreatedAt), 10, 64)
	meta.Mime = resp.Header.Get(headerMime)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, meta, err
	}
	return body, meta, nil
}

// DeleteAttachment removes attachment ciphertext. A 404 means it is already
// gone and counts as success.
func (c *Client) DeleteAttachment(ctx context.Context, sha string) error {
	if err := c.checkToken(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("attachments", sha), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("attachment DELETE %s: status %d: %s", sha, resp.StatusCode, string(b))
	}
}
