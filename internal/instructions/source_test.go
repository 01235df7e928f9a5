package instructions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	texts []string
	errs  []error
}

func (f *fakeFetcher) Fetch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var text string
	var err error
	if i < len(f.texts) {
		text = f.texts[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return text, err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSourceCachesWithinTTL(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{texts: []string{"v1", "v2"}}
	src := NewSource(f, time.Minute, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	require.Equal(t, "v1", src.Get(context.Background(), NamePartner))
	require.Equal(t, "v1", src.Get(context.Background(), NamePartner))
	require.Equal(t, 1, f.count())

	now = now.Add(2 * time.Minute)
	require.Equal(t, "v2", src.Get(context.Background(), NamePartner))
	require.Equal(t, 2, f.count())
}

func TestSourceFallsBackToStaleThenDefault(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	f := &fakeFetcher{
		texts: []string{"fresh"},
		errs:  []error{nil, down, down, down, down},
	}
	src := NewSource(f, 0, nil)

	require.Equal(t, "fresh", src.Get(context.Background(), NameCoaching))
	require.Equal(t, "fresh", src.Get(context.Background(), NameCoaching))
	require.Equal(t, 3, f.count(), "one failed fetch is retried once")

	require.Equal(t, Default(NameServicing), src.Get(context.Background(), NameServicing))
}

func TestSourceWithoutFetcherServesDefaults(t *testing.T) {
	t.Parallel()

	src := NewSource(nil, time.Minute, nil)
	require.Equal(t, Default(NamePhoto), src.Get(context.Background(), NamePhoto))
	require.NotEmpty(t, Default(NamePartner))
	require.Empty(t, src.Get(context.Background(), "unknown"))
}

func TestHTTPFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "pk" || pass != "sk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/public/v2/prompts/" + NamePartner:
			_, _ = w.Write([]byte(`{"prompt":"be helpful","version":3}`))
		case "/api/public/v2/prompts/" + NameCoaching:
			_, _ = w.Write([]byte(`{"prompt":[{"role":"system","content":"a"},{"role":"user","content":"b"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/", "pk", "sk", time.Second)
	f.client.Transport = &http.Transport{DisableKeepAlives: true}

	text, err := f.Fetch(context.Background(), NamePartner)
	require.NoError(t, err)
	require.Equal(t, "be helpful", text)

	text, err = f.Fetch(context.Background(), NameCoaching)
	require.NoError(t, err)
	require.Equal(t, "a\n\nb", text)

	_, err = f.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	bad := NewHTTPFetcher(srv.URL, "pk", "wrong", time.Second)
	bad.client.Transport = &http.Transport{DisableKeepAlives: true}
	_, err = bad.Fetch(context.Background(), NamePartner)
	require.Error(t, err)
}

func TestDirFetcherAndWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, NamePartner+".md")
	require.NoError(t, os.WriteFile(path, []byte("version one\n"), 0o644))

	f := NewDirFetcher(dir)
	_, err := f.Fetch(context.Background(), "../etc/passwd")
	require.Error(t, err)
	_, err = f.Fetch(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)

	src := NewSource(f, time.Hour, nil)
	require.Equal(t, "version one", src.Get(context.Background(), NamePartner))

	w, err := NewWatcher(dir, src, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version two\n"), 0o644))
	require.Eventually(t, func() bool {
		return src.Get(context.Background(), NamePartner) == "version two"
	}, 5*time.Second, 50*time.Millisecond)
}
