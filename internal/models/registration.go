package models

import "time"

// Registration 一个完成认证的车辆注册
type Registration struct {
	ID        int64     `json:"id" db:"id"`
	VIN       string    `json:"vin" db:"vin"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StoredToken 数据库中的令牌行
type StoredToken struct {
	RegistrationID int64     `json:"registration_id" db:"registration_id"`
	RefreshToken   string    `json:"-" db:"refresh_token"`
	SecondaryToken string    `json:"-" db:"secondary_token"`
	IssuedAt       time.Time `json:"issued_at" db:"issued_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
