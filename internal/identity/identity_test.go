package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/cortana/internal/domain"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.UserID] = user
	return nil
}

func TestMiddlewareIssuesIdentity(t *testing.T) {
	t.Parallel()

	repo := &fakeUsers{users: make(map[string]*domain.User)}
	var got Learner
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/state", nil)
	req.Header.Set(SessionHeaderName, "tab-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !anonIDPattern.MatchString(got.UserID) {
		t.Fatalf("user id %q is not an anonymous id", got.UserID)
	}
	if got.TabID != "tab-42" {
		t.Fatalf("tab = %q, want tab-42", got.TabID)
	}
	user := repo.users[got.UserID]
	if user == nil {
		t.Fatal("user was not created")
	}
	if user.VolumePath != domain.PlaygroundVolume(got.UserID) || !strings.HasPrefix(user.Username, "anon-") {
		t.Fatalf("unexpected user %+v", user)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != got.UserID {
		t.Fatalf("cookies = %+v", cookies)
	}

	// The cookie is honored on the next request and the query names the tab.
	req = httptest.NewRequest(http.MethodGet, "/ws/session?"+SessionQueryParam+"=tab-7", nil)
	req.AddCookie(cookies[0])
	first := got.UserID
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got.UserID != first || got.TabID != "tab-7" {
		t.Fatalf("got %+v, want user %q in tab-7", got, first)
	}
	if len(repo.users) != 1 {
		t.Fatalf("users = %d, want 1", len(repo.users))
	}
}

func TestMiddlewareTabValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		wantTab string
		want    int
	}{
		{name: "missing", header: "", wantTab: DefaultTabID, want: http.StatusOK},
		{name: "trimmed", header: "  tab-1  ", wantTab: "tab-1", want: http.StatusOK},
		{name: "punctuation", header: "tab:1.2_3", wantTab: "tab:1.2_3", want: http.StatusOK},
		{name: "space", header: "a b", want: http.StatusBadRequest},
		{name: "too long", header: strings.Repeat("x", 129), want: http.StatusBadRequest},
		{name: "path", header: "../etc", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &fakeUsers{users: make(map[string]*domain.User)}
			var got Learner
			h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/chat/state", nil)
			if tt.header != "" {
				req.Header.Set(SessionHeaderName, tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				if len(repo.users) != 0 {
					t.Fatal("rejected request registered a user")
				}
				return
			}
			if got.TabID != tt.wantTab {
				t.Fatalf("tab = %q, want %q", got.TabID, tt.wantTab)
			}
		})
	}
}

func TestInvalidCookieIsReplaced(t *testing.T) {
	t.Parallel()

	repo := &fakeUsers{users: make(map[string]*domain.User)}
	var got Learner
	h := Middleware(repo, false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got.UserID == "admin" || !anonIDPattern.MatchString(got.UserID) {
		t.Fatalf("user id = %q", got.UserID)
	}
	if c := rr.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Fatalf("expected a secure cookie outside development: %+v", c)
	}
}

func TestReturningCookieIsReregistered(t *testing.T) {
	t.Parallel()

	const id = "anon_0123456789abcdef0123456789abcdef"
	repo := &fakeUsers{users: make(map[string]*domain.User)}
	h := Middleware(repo, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	user := repo.users[id]
	if user == nil || user.Username != "anon-01234567" {
		t.Fatalf("user = %+v", user)
	}
}

func TestFromContextDefaults(t *testing.T) {
	t.Parallel()

	if got := FromContext(context.Background()); got != (Learner{TabID: DefaultTabID}) {
		t.Fatalf("got %+v", got)
	}
	want := Learner{UserID: "u1", TabID: "t1"}
	if got := FromContext(WithLearner(context.Background(), want)); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
