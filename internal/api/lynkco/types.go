package lynkco

import (
	"errors"
	"time"
)

// 错误定义
var (
	ErrSessionClosed      = errors.New("session closed")
	ErrLoginFailed        = errors.New("login failed")
	ErrOTPRejected        = errors.New("verification code rejected")
	ErrTokenExchange      = errors.New("token exchange failed")
	ErrDeviceLogin        = errors.New("device login failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrVehicleUnavailable = errors.New("vehicle unavailable")
)

// Endpoints 后端地址
type Endpoints struct {
	LoginURL         string // B2C policy 根地址，以 / 结尾
	ClientID         string
	RedirectURI      string
	ScopeBase        string
	APIHost          string
	DeviceLoginURL   string
	UserLifecycleURL string // 以 / 结尾
}

// Interstitial 凭据步骤和 OTP 步骤之间的临时上下文
type Interstitial struct {
	TransactionToken string
	CSRFToken        string
	PageViewID       string
	RefererURL       string
	CodeVerifier     string
}

// PrimaryTokens B2C 令牌交换结果
type PrimaryTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Complete 三个令牌都存在
func (t *PrimaryTokens) Complete() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != "" && t.IDToken != ""
}

// ChargerStatus 充电枪连接状态
type ChargerStatus string

const (
	ChargerUnknown               ChargerStatus = "unknown"
	ChargerDisconnected          ChargerStatus = "disconnected"
	ChargerConnectedWithoutPower ChargerStatus = "connected-without-power"
	ChargerConnectedWithPower    ChargerStatus = "connected-with-power"
)

// ParseChargerStatus 解析 shadow 中的 chargerConnectionStatus
func ParseChargerStatus(raw string) ChargerStatus {
	switch raw {
	case "CHARGER_CONNECTION_CONNECTED_WITH_POWER":
		return ChargerConnectedWithPower
	case "CHARGER_CONNECTION_CONNECTED_WITHOUT_POWER":
		return ChargerConnectedWithoutPower
	case "CHARGER_CONNECTION_DISCONNECTED":
		return ChargerDisconnected
	default:
		return ChargerUnknown
	}
}

// VehicleState 一次刷新得到的车辆状态
type VehicleState struct {
	VIN           string        `json:"vin"`
	ChargerStatus ChargerStatus `json:"charger_connection_status"`
	BatteryLevel  *int          `json:"battery_level"`
	Latitude      *float64      `json:"latitude,omitempty"`
	Longitude     *float64      `json:"longitude,omitempty"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// vehicleRecord record 接口中用到的字段
type vehicleRecord struct {
	ElectricStatus struct {
		ChargeLevel *int `json:"chargeLevel"`
	} `json:"electricStatus"`
	Position *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"position"`
}

// vehicleShadow shadow 接口中用到的字段
type vehicleShadow struct {
	EVs struct {
		ChargerStatusData struct {
			ChargerConnectionStatus string `json:"chargerConnectionStatus"`
		} `json:"chargerStatusData"`
	} `json:"evs"`
}

// deviceLoginResponse 二级令牌交换响应
type deviceLoginResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

// activeVehiclesResponse 用户名下车辆
type activeVehiclesResponse struct {
	Roles []struct {
		VIN string `json:"vin"`
	} `json:"roles"`
}

// selfAssertedResponse SelfAsserted 接口的 JSON 状态
type selfAssertedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
