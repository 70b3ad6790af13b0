package remote

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/keepsake-app/keepsake/internal/common"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>` +
	`<d:propfind xmlns:d="DAV:"><d:prop><d:resourcetype/></d:prop></d:propfind>`

// DavStore speaks WebDAV against a base URL. All virtual paths are resolved
// under the base path; the store never touches anything above it.
type DavStore struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

// NewDavStore builds a WebDAV store. baseURL must include any base path the
// account is rooted at. httpClient may be nil for http.DefaultClient; no
// timeout is imposed beyond what the client enforces.
func NewDavStore(baseURL, username, password string, httpClient *http.Client) (*DavStore, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebDAV url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DavStore{base: u, username: username, password: password, client: httpClient}, nil
}

func (s *DavStore) TargetID() string { return "webdav:" + s.base.String() }

func (s *DavStore) urlFor(p string, dir bool) string {
	u := *s.base
	clean := strings.Trim(p, "/")
	if clean != "" {
		segs := strings.Split(clean, "/")
		for i, seg := range segs {
			segs[i] = url.PathEscape(seg)
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(segs, "/")
	}
	out := u.String()
	if dir && !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out
}

func (s *DavStore) do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

func drainStatusError(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return common.ErrNotFound
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Code: resp.StatusCode, Body: string(b)}
}

// MkdirAll issues one MKCOL per path segment. 405 means the collection
// already exists and counts as success.
func (s *DavStore) MkdirAll(ctx context.Context, dir string) error {
	clean := strings.Trim(dir, "/")
	if clean == "" {
		return nil
	}
	segs := strings.Split(clean, "/")
	for i := range segs {
		target := strings.Join(segs[:i+1], "/")
		resp, err := s.do(ctx, "MKCOL", s.urlFor(target, true), nil, nil)
		if err != nil {
			return fmt.Errorf("MKCOL %q: %w", target, err)
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusMethodNotAllowed:
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		default:
			return fmt.Errorf("MKCOL %q: %w", target, drainStatusError(resp))
		}
	}
	return nil
}

type davMultistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Propstats []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Prop struct {
		ResourceType struct {
			Collection *struct{} `xml:"collection"`
		} `xml:"resourcetype"`
	} `xml:"prop"`
}

func (r davResponse) isCollection() bool {
	for _, ps := range r.Propstats {
		if ps.Prop.ResourceType.Collection != nil {
			return true
		}
	}
	return false
}

// List issues a depth-1 PROPFIND and trims the multi-status hrefs to entries
// directly under dir, flagging collections with a trailing slash.
func (s *DavStore) List(ctx context.Context, dir string) ([]string, error) {
	header := http.Header{}
	header.Set("Depth", "1")
	header.Set("Content-Type", "application/xml")

	resp, err := s.do(ctx, "PROPFIND", s.urlFor(dir, true), []byte(propfindBody), header)
	if err != nil {
		return nil, fmt.Errorf("PROPFIND %q: %w", dir, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("PROPFIND %q: %w", dir, drainStatusError(resp))
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	var ms davMultistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse PROPFIND response: %w", err)
	}

	basePath := strings.Trim(s.base.Path, "/")
	dirPath := strings.Trim(dir, "/")

	var names []string
	for _, r := range ms.Responses {
		href, err := url.PathUnescape(r.Href)
		if err != nil {
			href = r.Href
		}
		p := strings.Trim(href, "/")
		// hrefs are server-absolute: strip the DAV base path first.
		if basePath != "" {
			if p == basePath {
				continue
			}
			if !strings.HasPrefix(p, basePath+"/") {
				continue
			}
			p = p[len(basePath)+1:]
		}
		if dirPath != "" {
			if p == dirPath {
				continue
			}
			if !strings.HasPrefix(p, dirPath+"/") {
				continue
			}
			p = p[len(dirPath)+1:]
		}
		if p == "" || strings.Contains(p, "/") {
			continue
		}
		if r.isCollection() {
			p += "/"
		}
		names = append(names, p)
	}
	return names, nil
}

func (s *DavStore) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, s.urlFor(path, false), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("GET %q: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %q: %w", path, drainStatusError(resp))
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *DavStore) Put(ctx context.Context, path string, data []byte) error {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	resp, err := s.do(ctx, http.MethodPut, s.urlFor(path, false), data, header)
	if err != nil {
		return fmt.Errorf("PUT %q: %w", path, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	default:
		return fmt.Errorf("PUT %q: %w", path, drainStatusError(resp))
	}
}

// Delete removes a file or collection. Some servers answer 405 to a
// collection DELETE with a trailing slash; those get one retry without it.
func (s *DavStore) Delete(ctx context.Context, path string) error {
	if strings.Trim(path, "/") == "" {
		return fmt.Errorf("refusing to delete remote root")
	}
	dir := strings.HasSuffix(path, "/")
	resp, err := s.do(ctx, http.MethodDelete, s.urlFor(path, dir), nil, nil)
	if err != nil {
		return fmt.Errorf("DELETE %q: %w", path, err)
	}
	if resp.StatusCode == http.StatusMethodNotAllowed && dir {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		resp, err = s.do(ctx, http.MethodDelete, s.urlFor(path, false), nil, nil)
		if err != nil {
			return fmt.Errorf("DELETE %q: %w", path, err)
		}
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	default:
		return fmt.Errorf("DELETE %q: %w", path, drainStatusError(resp))
	}
}
