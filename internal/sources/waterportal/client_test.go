package waterportal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chrissnell/utilitywatch/internal/types"
)

type fakePortal struct {
	t         *testing.T
	password  string
	expiry    time.Time
	logins    int32
	viewers   int32
	readings  string
	rejectJWT string
}

func (f *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"challenge":"nonce-123"}`))
	})
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Response != SignChallenge(f.password, "nonce-123") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := atomic.AddInt32(&f.logins, 1)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": fmt.Sprintf("login-%d", n),
			"exp": f.expiry.Unix(),
		}).SignedString([]byte("portal"))
		if err != nil {
			f.t.Errorf("signing: %v", err)
		}
		json.NewEncoder(w).Encode(tokenResponse{Token: signed})
	})
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == f.rejectJWT {
			w.Write([]byte(`{"errors":[{"message":"token expired","extensions":{"code":"UNAUTHENTICATED"}}]}`))
			return
		}

		var req graphQLRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch {
		case strings.Contains(req.Query, "viewer"):
			atomic.AddInt32(&f.viewers, 1)
			w.Write([]byte(`{"data":{"viewer":{"accounts":[
				{"number":"A-0001","meters":[]},
				{"number":"A-0002","meters":[{"serial":"WM-77"}]}
			]}}}`))
		case strings.Contains(req.Query, "smartMeterReadings"):
			if req.Variables["accountNumber"] != "A-0002" || req.Variables["meterSerial"] != "WM-77" {
				f.t.Errorf("unexpected variables %v", req.Variables)
			}
			if req.Variables["granularity"] != "DAY" {
				f.t.Errorf("granularity = %v, want DAY", req.Variables["granularity"])
			}
			w.Write([]byte(f.readings))
		default:
			f.t.Errorf("unexpected query %q", req.Query)
		}
	})
	return mux
}

func TestSignChallenge(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	got := SignChallenge("key", "The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("SignChallenge() = %s, want %s", got, want)
	}
}

func TestAuthenticate_UsesJWTExpiry(t *testing.T) {
	portal := &fakePortal{t: t, password: "pw", expiry: time.Now().Add(48 * time.Hour).Truncate(time.Second)}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Username: "me", Password: "pw"})
	tok, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if !tok.Expiry.Equal(portal.expiry) {
		t.Errorf("expiry = %v, want %v", tok.Expiry, portal.expiry)
	}

	if _, err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("second Authenticate() error: %v", err)
	}
	if portal.logins != 1 {
		t.Errorf("logins = %d, want 1", portal.logins)
	}
}

func TestAuthenticate_WrongPassword(t *testing.T) {
	portal := &fakePortal{t: t, password: "pw", expiry: time.Now().Add(time.Hour)}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Username: "me", Password: "nope"})
	if _, err := c.Authenticate(context.Background()); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestFetchRange_ResolvesAccountOnce(t *testing.T) {
	portal := &fakePortal{
		t:        t,
		password: "pw",
		expiry:   time.Now().Add(48 * time.Hour),
		readings: `{"data":{"smartMeterReadings":[
			{"readAt":"2024-02-02T00:00:00Z","consumption":"0.310"},
			{"readAt":"2024-02-01T00:00:00Z","consumption":"0.250"},
			{"readAt":"2024-02-03T00:00:00Z","consumption":"n/a"},
			{"readAt":"2024-02-04T00:00:00Z","consumption":null}
		]}}`,
	}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Username: "me", Password: "pw"})
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 5)

	for i := 0; i < 2; i++ {
		res := c.FetchRange(context.Background(), "", from, to, types.Day)
		if !res.OK() {
			t.Fatalf("FetchRange() error: %v", res.Err)
		}
		if len(res.Points) != 2 {
			t.Fatalf("got %d points, want 2", len(res.Points))
		}
		if res.Points[0].Value != 0.25 || res.Points[1].Value != 0.31 {
			t.Errorf("unexpected points %+v", res.Points)
		}
		if res.Skipped != 2 {
			t.Errorf("skipped = %d, want 2", res.Skipped)
		}
	}

	if portal.viewers != 1 {
		t.Errorf("account resolved %d times, want 1", portal.viewers)
	}
	acct, _ := c.Account(context.Background())
	if acct.Number != "A-0002" || acct.MeterSerial != "WM-77" {
		t.Errorf("account = %+v", acct)
	}
}

func TestFetchRange_GraphQLUnauthenticatedTriggersLogin(t *testing.T) {
	portal := &fakePortal{
		t:        t,
		password: "pw",
		expiry:   time.Now().Add(48 * time.Hour),
		readings: `{"data":{"smartMeterReadings":[]}}`,
	}
	server := httptest.NewServer(portal.handler())
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Username: "me", Password: "pw"})
	tok, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	portal.rejectJWT = tok.Value

	res := c.FetchRange(context.Background(), "", time.Now().Add(-24*time.Hour), time.Now(), types.Day)
	if !res.OK() {
		t.Fatalf("FetchRange() error: %v", res.Err)
	}
	if portal.logins != 2 {
		t.Errorf("logins = %d, want 2", portal.logins)
	}
}
