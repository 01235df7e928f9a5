package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                       DefaultSessionIDValue,
		"  ":                     DefaultSessionIDValue,
		"tab-1":                  "tab-1",
		" tab_2.x ":              "tab_2.x",
		"user:other":             DefaultSessionIDValue,
		"../etc":                 DefaultSessionIDValue,
		strings.Repeat("a", 129): DefaultSessionIDValue,
	}
	for in, want := range tests {
		require.Equal(t, want, SanitizeSessionID(in), "%q", in)
	}
}

func TestMiddlewareIssuesAndReusesAnonID(t *testing.T) {
	t.Parallel()

	var gotUser, gotSession string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?session_id=tab-3", nil))
	require.True(t, isValidAnonID(gotUser), gotUser)
	require.Equal(t, "tab-3", gotSession)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, AnonCookieName, cookies[0].Name)
	require.False(t, cookies[0].Secure, "dev cookies work over plain http")

	first := gotUser
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	r.Header.Set(SessionHeaderName, "tab-4")
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.Equal(t, first, gotUser)
	require.Equal(t, "tab-4", gotSession)
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	t.Parallel()

	var gotUser string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.NotEqual(t, "admin", gotUser)
	require.True(t, isValidAnonID(gotUser))
	require.True(t, w.Result().Cookies()[0].Secure)
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "10.0.0.7", IPFromRequest(r))
	r.RemoteAddr = "unix"
	require.Equal(t, "unix", IPFromRequest(r))
}
