package errs

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown       Kind = iota
	KindValidation         // 本地校验失败，无网络请求，用户可修正
	KindAuth               // 后端拒绝登录/OTP/令牌交换，用户可修正
	KindTransient          // 网络/超时，由下一次调度或用户重试
	KindTokenRejected      // 刷新令牌失效，必须重新认证
	KindPersistence        // 存储写入失败，本次尝试中止
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindTokenRejected:
		return "token_rejected"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// 错误码
const (
	CodeMissingDetails      = "missing_details"
	CodeInvalidEmail        = "invalid_email"
	CodeInvalidVIN          = "invalid_vin"
	CodeEmptyCode           = "empty_code"
	CodeLoginFailed         = "login_failed"
	CodeInvalidOTP          = "invalid_or_expired_otp"
	CodeTokenExchangeFailed = "token_exchange_failed"
	CodeStaleAttempt        = "stale_attempt"
	CodeNoAttempt           = "no_attempt"
	CodeNetwork             = "network"
	CodeTokenRejected       = "token_rejected"
	CodeNotAuthenticated    = "not_authenticated"
	CodeStoreWrite          = "store_write"
)

// Error 带分类的错误
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建分类错误
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code string) *Error {
	return New(KindValidation, code, nil)
}

func Auth(code string, err error) *Error {
	return New(KindAuth, code, err)
}

func Transient(err error) *Error {
	return New(KindTransient, CodeNetwork, err)
}

func TokenRejected(code string, err error) *Error {
	return New(KindTokenRejected, code, err)
}

func Persistence(err error) *Error {
	return New(KindPersistence, CodeStoreWrite, err)
}

// KindOf 返回错误链中第一个分类错误的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf 返回错误码，非分类错误返回空串
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
