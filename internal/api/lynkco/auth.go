package lynkco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	cv "github.com/nirasan/go-oauth-pkce-code-verifier"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	policy     = "B2C_1A_signin_mfa"
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	browserUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Mobile/15E148 Safari/604.1"
	appUA      = "LynkCo/3047 CFNetwork/1494.0.7 Darwin/23.4.0"

	cookieTrans = "x-ms-cpim-trans"
	cookieCSRF  = "x-ms-cpim-csrf"
	headerPVID  = "x-ms-gateway-requestid"
)

// NewOAuthConfig B2C 的 OAuth2 配置
func NewOAuthConfig(ep Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    ep.ClientID,
		RedirectURL: ep.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.LoginURL + "oauth2/v2.0/authorize",
			TokenURL:  ep.LoginURL + "oauth2/v2.0/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{ep.ScopeBase + ".read", ep.ScopeBase + ".write", "openid", "profile", "offline_access"},
	}
}

// Authenticator 执行 B2C 登录的各个 HTTP 步骤
type Authenticator struct {
	ep     Endpoints
	oauth  *oauth2.Config
	base   *url.URL
	logger *zap.Logger
}

// NewAuthenticator 创建登录客户端
func NewAuthenticator(ep Endpoints, logger *zap.Logger) (*Authenticator, error) {
	base, err := url.Parse(ep.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}

	return &Authenticator{
		ep:     ep,
		oauth:  NewOAuthConfig(ep),
		base:   base,
		logger: logger,
	}, nil
}

// Login 提交邮箱和密码，返回 OTP 步骤需要的上下文
func (a *Authenticator) Login(ctx context.Context, s *Session, email, password string) (*Interstitial, error) {
	verifier, err := cv.CreateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("create code verifier: %w", err)
	}
	challenge := verifier.CodeChallengeS256()

	// 请求授权页，拿到 trans/csrf Cookie
	authURL := a.oauth.AuthCodeURL("",
		oauth2.SetAuthURLParam("scope", fmt.Sprintf("%[1]s.read %[1]s.write profile offline_access", a.ep.ScopeBase)),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create authorize request: %w", err)
	}
	req.Header.Set("Accept", acceptHTML)

	resp, err := s.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}
	drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: authorize status=%d", ErrLoginFailed, resp.StatusCode)
	}

	pageViewID := resp.Header.Get(headerPVID)
	if pageViewID == "" {
		return nil, fmt.Errorf("%w: page view id missing", ErrLoginFailed)
	}

	trans := s.Cookie(a.base, cookieTrans)
	csrf := s.Cookie(a.base, cookieCSRF)
	if trans == "" || csrf == "" {
		return nil, fmt.Errorf("%w: trans/csrf cookies missing", ErrLoginFailed)
	}
	a.logger.Debug("Authorize page loaded", zap.String("session", s.ID()))

	// 提交凭据
	form := url.Values{}
	form.Set("request_type", "RESPONSE")
	form.Set("signInName", email)
	form.Set("password", password)
	if err := a.selfAsserted(ctx, s, trans, csrf, form, ErrLoginFailed); err != nil {
		return nil, err
	}
	a.logger.Debug("Credentials accepted", zap.String("session", s.ID()))

	// 确认登录页，获取 MFA 页面的 page view id 和 referer
	pageViewID, referer, err := a.confirmSignin(ctx, s, trans, csrf, pageViewID, challenge)
	if err != nil {
		return nil, err
	}

	return &Interstitial{
		TransactionToken: trans,
		CSRFToken:        csrf,
		PageViewID:       pageViewID,
		RefererURL:       referer,
		CodeVerifier:     verifier.String(),
	}, nil
}

// VerifyOTP 提交短信验证码并交换令牌
func (a *Authenticator) VerifyOTP(ctx context.Context, s *Session, code string, it *Interstitial) (*PrimaryTokens, error) {
	if it == nil {
		return nil, fmt.Errorf("%w: interstitial missing", ErrOTPRejected)
	}

	form := url.Values{}
	form.Set("verificationCode", code)
	form.Set("request_type", "RESPONSE")
	if err := a.selfAsserted(ctx, s, it.TransactionToken, it.CSRFToken, form, ErrOTPRejected); err != nil {
		return nil, err
	}
	a.logger.Debug("Verification code accepted", zap.String("session", s.ID()))

	authCode, err := a.redirectCode(ctx, s, it)
	if err != nil {
		return nil, err
	}

	return a.exchange(ctx, s, authCode, it.CodeVerifier)
}

// selfAsserted POST SelfAsserted，rejected 为失败时包装的错误
func (a *Authenticator) selfAsserted(ctx context.Context, s *Session, trans, csrf string, form url.Values, rejected error) error {
	endpoint := fmt.Sprintf("%sSelfAsserted?p=%s&tx=%s", a.ep.LoginURL, policy, url.QueryEscape("StateProperties="+trans))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create self asserted request: %w", err)
	}
	req.Header.Set("x-csrf-token", csrf)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Do(req)
	if err != nil {
		return fmt.Errorf("self asserted request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status=%d", rejected, resp.StatusCode)
	}

	// B2C 在 HTTP 200 中用 JSON status 表示业务失败
	var sa selfAssertedResponse
	if err := json.Unmarshal(body, &sa); err == nil && sa.Status != "" && sa.Status != "200" {
		return fmt.Errorf("%w: status=%s message=%s", rejected, sa.Status, sa.Message)
	}
	return nil
}

// confirmSignin GET CombinedSigninAndSignup/confirmed
func (a *Authenticator) confirmSignin(ctx context.Context, s *Session, trans, csrf, pageViewID, challenge string) (string, string, error) {
	endpoint := a.ep.LoginURL + "api/CombinedSigninAndSignup/confirmed"

	q := url.Values{}
	q.Set("rememberMe", "false")
	q.Set("csrf_token", csrf)
	q.Set("tx", "StateProperties="+trans)
	q.Set("p", policy)
	diags := diagnostics(pageViewID, "CombinedSigninAndSignup")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode()+"&diags="+url.QueryEscape(diags), nil)
	if err != nil {
		return "", "", fmt.Errorf("create confirm request: %w", err)
	}
	req.Header.Set("Accept", acceptHTML)
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Referer", a.authorizeReferer(challenge))

	resp, err := s.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("confirm request: %w", err)
	}
	drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: confirm status=%d", ErrLoginFailed, resp.StatusCode)
	}

	newPageViewID := resp.Header.Get(headerPVID)
	if newPageViewID == "" {
		return "", "", fmt.Errorf("%w: confirm page view id missing", ErrLoginFailed)
	}

	return newPageViewID, req.URL.String(), nil
}

// redirectCode GET SelfAsserted/confirmed，从不跟随的重定向中取出授权码
func (a *Authenticator) redirectCode(ctx context.Context, s *Session, it *Interstitial) (string, error) {
	csrf := s.Cookie(a.base, cookieCSRF)
	if csrf == "" {
		csrf = it.CSRFToken
	}

	q := url.Values{}
	q.Set("csrf_token", csrf)
	q.Set("tx", "StateProperties="+it.TransactionToken)
	q.Set("p", policy)
	q.Set("diags", diagnostics(it.PageViewID, "SelfAsserted"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ep.LoginURL+"api/SelfAsserted/confirmed?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create redirect request: %w", err)
	}
	req.Header.Set("Accept", acceptHTML)
	req.Header.Set("User-Agent", browserUA)
	if it.RefererURL != "" {
		req.Header.Set("Referer", it.RefererURL)
	}

	resp, err := s.DoNoRedirect(req)
	if err != nil {
		return "", fmt.Errorf("redirect request: %w", err)
	}
	drain(resp)

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusMovedPermanently {
		return "", fmt.Errorf("%w: redirect status=%d", ErrOTPRejected, resp.StatusCode)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("%w: parse location: %v", ErrOTPRejected, err)
	}

	code := location.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: authorization code missing", ErrOTPRejected)
	}
	return code, nil
}

// exchange 授权码换取 access/refresh/id token
func (a *Authenticator) exchange(ctx context.Context, s *Session, code, verifier string) (*PrimaryTokens, error) {
	client, err := s.httpClient()
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	tok, err := a.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
		oauth2.SetAuthURLParam("client_info", "1"),
	)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("token request: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	tokens := &PrimaryTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		Expiry:       tok.Expiry,
	}
	if !tokens.Complete() {
		return nil, fmt.Errorf("%w: incomplete token response", ErrTokenExchange)
	}
	return tokens, nil
}

// authorizeReferer 移动端 MSAL 打开授权页时的 referer
func (a *Authenticator) authorizeReferer(challenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("prompt", "select_account")
	q.Set("code_challenge_method", "S256")
	q.Set("code_challenge", challenge)
	q.Set("scope", fmt.Sprintf("%[1]s.read %[1]s.write openid profile offline_access", a.ep.ScopeBase))
	q.Set("redirect_uri", a.ep.RedirectURI)
	q.Set("client_id", a.ep.ClientID)
	q.Set("x-client-SKU", "MSAL.iOS")
	return a.ep.LoginURL + "v2.0/authorize?" + q.Encode()
}

func diagnostics(pageViewID, pageID string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"pageViewId": pageViewID,
		"pageId":     pageID,
		"trace":      []string{},
	})
	return string(data)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
