package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// davServer is a minimal WebDAV endpoint mounted under /dav, enough to
// exercise the client: MKCOL, PUT, GET, DELETE and depth-1 PROPFIND behind
// basic auth.
type davServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	busy  bool
}

func newDavServer() *davServer {
	return &davServer{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/dav") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	p := strings.Trim(strings.TrimPrefix(r.URL.Path, "/dav"), "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case "MKCOL":
		s.dirs[p] = true
		w.WriteHeader(http.StatusCreated)

	case http.MethodPut:
		if s.busy {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		b, _ := io.ReadAll(r.Body)
		s.files[p] = b
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet:
		b, ok := s.files[p]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(b)

	case http.MethodDelete:
		if _, ok := s.files[p]; ok {
			delete(s.files, p)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if s.dirs[p] {
			delete(s.dirs, p)
			for f := range s.files {
				if strings.HasPrefix(f, p+"/") {
					delete(s.files, f)
				}
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case "PROPFIND":
		if p != "" && !s.dirs[p] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:">`)
		writeEntry := func(href string, collection bool) {
			b.WriteString("<d:response><d:href>" + href + "</d:href><d:propstat><d:prop><d:resourcetype>")
			if collection {
				b.WriteString("<d:collection/>")
			}
			b.WriteString("</d:resourcetype></d:prop></d:propstat></d:response>")
		}
		self := "/dav/"
		if p != "" {
			self = "/dav/" + p + "/"
		}
		writeEntry(self, true)

		prefix := ""
		if p != "" {
			prefix = p + "/"
		}
		var children []string
		for f := range s.files {
			if strings.HasPrefix(f, prefix) && !strings.Contains(f[len(prefix):], "/") {
				children = append(children, f)
			}
		}
		for d := range s.dirs {
			if d != p && strings.HasPrefix(d, prefix) && !strings.Contains(d[len(prefix):], "/") {
				children = append(children, d+"/")
			}
		}
		sort.Strings(children)
		for _, c := range children {
			writeEntry("/dav/"+c, strings.HasSuffix(c, "/"))
		}
		b.WriteString("</d:multistatus>")
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, b.String())

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupDav(t *testing.T) (*davServer, *DavStore) {
	t.Helper()
	srv := newDavServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	rs, err := NewDavStore(ts.URL+"/dav", "alice", "secret", ts.Client())
	require.NoError(t, err)
	return srv, rs
}

func TestDavStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, rs := setupDav(t)

	require.NoError(t, rs.MkdirAll(ctx, "ops/dev-a"))
	require.NoError(t, rs.Put(ctx, "ops/dev-a/000000000001.op", []byte("payload")))

	got, err := rs.Get(ctx, "ops/dev-a/000000000001.op")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = rs.Get(ctx, "ops/dev-a/000000000002.op")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDavStoreListStripsBasePath(t *testing.T) {
	ctx := context.Background()
	_, rs := setupDav(t)

	require.NoError(t, rs.MkdirAll(ctx, "ops/dev-a"))
	require.NoError(t, rs.MkdirAll(ctx, "ops/dev-b"))
	require.NoError(t, rs.Put(ctx, "ops/dev-a/000000000001.op", []byte("x")))

	names, err := rs.List(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a/", "dev-b/"}, names)

	names, err = rs.List(ctx, "ops/dev-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"000000000001.op"}, names)

	_, err = rs.List(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDavStoreDelete(t *testing.T) {
	ctx := context.Background()
	_, rs := setupDav(t)

	require.NoError(t, rs.MkdirAll(ctx, "attachments"))
	require.NoError(t, rs.Put(ctx, "attachments/abc", []byte("x")))

	require.NoError(t, rs.Delete(ctx, "attachments/abc"))
	err := rs.Delete(ctx, "attachments/abc")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Error(t, rs.Delete(ctx, "/"), "root delete refused client-side")
}

func TestDavStoreBusyStatusMatchesErrBusy(t *testing.T) {
	ctx := context.Background()
	srv, rs := setupDav(t)
	srv.busy = true

	err := rs.Put(ctx, "ops/dev-a/000000000001.op", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrBusy)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestDavStoreRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	srv := newDavServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	rs, err := NewDavStore(ts.URL+"/dav", "alice", "wrong", ts.Client())
	require.NoError(t, err)

	err = rs.Put(ctx, "ops/x", []byte("x"))
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
