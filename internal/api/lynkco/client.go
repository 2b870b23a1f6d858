package lynkco

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/langchou/lynkgazer/internal/tokens"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const userAgent = "LynkGazer/1.0"

// Client Lynk & Co 车辆数据客户端
type Client struct {
	httpClient *http.Client
	ep         Endpoints
	oauth      *oauth2.Config
}

// NewClient 创建新的客户端
func NewClient(ep Endpoints, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		ep:    ep,
		oauth: NewOAuthConfig(ep),
	}
}

// DeviceLogin 用 B2C access token 换取二级令牌
func (c *Client) DeviceLogin(ctx context.Context, accessToken string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"accessToken": accessToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ep.DeviceLoginURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create device login request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", appUA)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("device login request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := statusError(resp.StatusCode); err != nil {
		return "", fmt.Errorf("device login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrDeviceLogin, resp.StatusCode, string(body))
	}

	var out deviceLoginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrDeviceLogin, err)
	}
	if out.Data.AccessToken == "" {
		return "", fmt.Errorf("%w: empty token", ErrDeviceLogin)
	}
	return out.Data.AccessToken, nil
}

// Renew 用刷新令牌换取新的令牌对，刷新令牌被拒绝时返回 ErrUnauthorized
func (c *Client) Renew(ctx context.Context, rec tokens.Record) (*tokens.Record, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// 过期的 access token 强制 TokenSource 走 refresh_token 流程
	src := c.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: rec.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			return nil, fmt.Errorf("refresh token: %w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	secondary, err := c.DeviceLogin(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = rec.RefreshToken
	}
	return &tokens.Record{
		RefreshToken:   refresh,
		SecondaryToken: secondary,
		IssuedAt:       time.Now().UTC(),
	}, nil
}

// Refresh 并行获取 record 和 shadow，合并成车辆状态
func (c *Client) Refresh(ctx context.Context, vin string, rec tokens.Record) (*VehicleState, error) {
	var (
		record vehicleRecord
		shadow vehicleShadow
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, rec.SecondaryToken, fmt.Sprintf("/remote-vehicle-data/v1/vehicles/%s/record", vin), &record)
	})
	g.Go(func() error {
		return c.getJSON(gctx, rec.SecondaryToken, fmt.Sprintf("/remote-vehicle-data/v1/vehicles/%s/shadow", vin), &shadow)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := &VehicleState{
		VIN:           vin,
		ChargerStatus: ParseChargerStatus(shadow.EVs.ChargerStatusData.ChargerConnectionStatus),
		BatteryLevel:  record.ElectricStatus.ChargeLevel,
		FetchedAt:     time.Now().UTC(),
	}
	if record.Position != nil {
		state.Latitude = record.Position.Latitude
		state.Longitude = record.Position.Longitude
	}
	return state, nil
}

// UserVINs 获取用户名下的车辆 VIN
func (c *Client) UserVINs(ctx context.Context, secondaryToken, userID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.UserLifecycleURL+userID+"/activevehicles", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secondaryToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", appUA)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("active vehicles request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("active vehicles: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("active vehicles failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out activeVehiclesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode active vehicles: %w", err)
	}

	vins := make([]string, 0, len(out.Roles))
	for _, r := range out.Roles {
		if r.VIN != "" {
			vins = append(vins, r.VIN)
		}
	}
	return vins, nil
}

// getJSON 执行带二级令牌的 GET 请求
func (c *Client) getJSON(ctx context.Context, token, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.APIHost+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request %s failed: status=%d body=%s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusRequestTimeout:
		return ErrVehicleUnavailable
	}
	return nil
}
