package lynkco

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantPath = "/tenant/b2c_1a_signin_mfa/"

// fakeB2C 模拟 B2C 登录页面的各个步骤
type fakeB2C struct {
	mu            sync.Mutex
	password      string
	otp           string
	tokenStatus   int
	omitIDToken   bool
	lastVerifier  string
	lastCSRF      string
	lastReferer   string
	confirmDiags  string
	exchangeCalls int
}

func (f *fakeB2C) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(tenantPath+"oauth2/v2.0/authorize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "S256", r.URL.Query().Get("code_challenge_method"))
		assert.NotEmpty(t, r.URL.Query().Get("code_challenge"))
		http.SetCookie(w, &http.Cookie{Name: cookieTrans, Value: "trans-1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: cookieCSRF, Value: "csrf-1", Path: "/"})
		w.Header().Set(headerPVID, "pv-1")
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(tenantPath+"SelfAsserted", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "StateProperties=trans-1", r.URL.Query().Get("tx"))
		assert.Equal(t, "csrf-1", r.Header.Get("x-csrf-token"))

		f.mu.Lock()
		defer f.mu.Unlock()
		if code := r.PostForm.Get("verificationCode"); code != "" {
			if code != f.otp {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "400", "message": "wrong code"})
				return
			}
		} else if r.PostForm.Get("password") != f.password {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "400", "message": "bad password"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "200"})
	})

	mux.HandleFunc(tenantPath+"api/CombinedSigninAndSignup/confirmed", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.confirmDiags = r.URL.Query().Get("diags")
		f.mu.Unlock()
		w.Header().Set(headerPVID, "pv-2")
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(tenantPath+"api/SelfAsserted/confirmed", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastCSRF = r.URL.Query().Get("csrf_token")
		f.lastReferer = r.Header.Get("Referer")
		f.mu.Unlock()
		w.Header().Set("Location", "msauth.com.lynkco.app://auth?code=auth-code-1")
		w.WriteHeader(http.StatusFound)
	})

	mux.HandleFunc(tenantPath+"oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		defer f.mu.Unlock()
		f.exchangeCalls++
		f.lastVerifier = r.PostForm.Get("code_verifier")
		assert.Equal(t, "auth-code-1", r.PostForm.Get("code"))
		assert.Equal(t, "1", r.PostForm.Get("client_info"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp := map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
		if !f.omitIDToken {
			resp["id_token"] = "id-1"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	return mux
}

func newTestAuthenticator(t *testing.T, f *fakeB2C) (*Authenticator, *httptest.Server) {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	a, err := NewAuthenticator(Endpoints{
		LoginURL:    srv.URL + tenantPath,
		ClientID:    "client-1",
		RedirectURI: "msauth.com.lynkco.app://auth",
		ScopeBase:   "https://scope.example/app",
	}, zap.NewNop())
	require.NoError(t, err)
	return a, srv
}

func newTestSession(t *testing.T) *Session {
	s, err := NewSession(5 * time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoginAndVerifyOTP(t *testing.T) {
	f := &fakeB2C{password: "secret", otp: "123456"}
	a, _ := newTestAuthenticator(t, f)
	s := newTestSession(t)
	ctx := context.Background()

	it, err := a.Login(ctx, s, "driver@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "trans-1", it.TransactionToken)
	assert.Equal(t, "csrf-1", it.CSRFToken)
	assert.Equal(t, "pv-2", it.PageViewID)
	assert.Contains(t, it.RefererURL, "api/CombinedSigninAndSignup/confirmed")
	assert.NotEmpty(t, it.CodeVerifier)

	var diags map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(f.confirmDiags), &diags))
	assert.Equal(t, "pv-1", diags["pageViewId"])
	assert.Equal(t, "CombinedSigninAndSignup", diags["pageId"])

	tokens, err := a.VerifyOTP(ctx, s, "123456", it)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	assert.Equal(t, "id-1", tokens.IDToken)
	assert.Equal(t, it.CodeVerifier, f.lastVerifier)
	assert.Equal(t, "csrf-1", f.lastCSRF)
	assert.Equal(t, it.RefererURL, f.lastReferer)
}

func TestLoginWrongPassword(t *testing.T) {
	f := &fakeB2C{password: "secret", otp: "123456"}
	a, _ := newTestAuthenticator(t, f)

	_, err := a.Login(context.Background(), newTestSession(t), "driver@example.com", "wrong")
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestVerifyOTPWrongCode(t *testing.T) {
	f := &fakeB2C{password: "secret", otp: "123456"}
	a, _ := newTestAuthenticator(t, f)
	s := newTestSession(t)
	ctx := context.Background()

	it, err := a.Login(ctx, s, "driver@example.com", "secret")
	require.NoError(t, err)

	_, err = a.VerifyOTP(ctx, s, "000000", it)
	assert.ErrorIs(t, err, ErrOTPRejected)
	assert.Zero(t, f.exchangeCalls)
}

func TestVerifyOTPTokenExchangeRejected(t *testing.T) {
	f := &fakeB2C{password: "secret", otp: "123456", tokenStatus: http.StatusBadRequest}
	a, _ := newTestAuthenticator(t, f)
	s := newTestSession(t)
	ctx := context.Background()

	it, err := a.Login(ctx, s, "driver@example.com", "secret")
	require.NoError(t, err)

	_, err = a.VerifyOTP(ctx, s, "123456", it)
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestVerifyOTPMissingIDToken(t *testing.T) {
	f := &fakeB2C{password: "secret", otp: "123456", omitIDToken: true}
	a, _ := newTestAuthenticator(t, f)
	s := newTestSession(t)
	ctx := context.Background()

	it, err := a.Login(ctx, s, "driver@example.com", "secret")
	require.NoError(t, err)

	_, err = a.VerifyOTP(ctx, s, "123456", it)
	assert.ErrorIs(t, err, ErrTokenExchange)
}

func TestLoginClosedSession(t *testing.T) {
	f := &fakeB2C{password: "secret"}
	a, _ := newTestAuthenticator(t, f)
	s, err := NewSession(time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrSessionClosed)

	_, err = a.Login(context.Background(), s, "driver@example.com", "secret")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestLoginNetworkErrorIsNotRejection(t *testing.T) {
	a, err := NewAuthenticator(Endpoints{LoginURL: "http://127.0.0.1:1/tenant/"}, zap.NewNop())
	require.NoError(t, err)

	_, err = a.Login(context.Background(), newTestSession(t), "driver@example.com", "secret")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLoginFailed))

	var uerr *url.Error
	assert.ErrorAs(t, err, &uerr)
}
