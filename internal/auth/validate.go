package auth

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/langchou/lynkgazer/internal/errs"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	// VIN 不含 I、O、Q
	vinPattern = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
)

// Credentials 登录凭据
type Credentials struct {
	Email    string `json:"email" validate:"required,account_email"`
	Password string `json:"password" validate:"required"`
	VIN      string `json:"vin" validate:"required,vin"`
}

// Normalize 去掉首尾空白，VIN 转大写
func (c Credentials) Normalize() Credentials {
	return Credentials{
		Email:    strings.TrimSpace(c.Email),
		Password: c.Password,
		VIN:      NormalizeVIN(c.VIN),
	}
}

// NormalizeVIN VIN 统一为大写
func NormalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

// ValidVIN 17 位且字符合法
func ValidVIN(vin string) bool {
	return vinPattern.MatchString(vin)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("vin", func(fl validator.FieldLevel) bool {
		return ValidVIN(fl.Field().String())
	})
	_ = v.RegisterValidation("account_email", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate 校验已规范化的凭据，缺少字段优先于格式错误
func (c Credentials) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Validation(errs.CodeMissingDetails)
	}

	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return errs.Validation(errs.CodeMissingDetails)
		}
	}
	for _, fe := range verrs {
		switch fe.Field() {
		case "Email":
			return errs.Validation(errs.CodeInvalidEmail)
		case "VIN":
			return errs.Validation(errs.CodeInvalidVIN)
		}
	}
	return errs.Validation(errs.CodeMissingDetails)
}
