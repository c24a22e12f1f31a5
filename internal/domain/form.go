package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Form 表示一个把提交转发到某个邮箱的表单端点。
//
// 匿名表单由 (email, host) 的散列定位，Hash 非空；
// 控制台创建的表单 Hash 为空，通过 hashid（由 ID 编码）定位。
type Form struct {
	ID          uint64    `json:"-" gorm:"primaryKey;autoIncrement"`
	Hash        *string   `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	Email       string    `json:"email" gorm:"type:varchar(254);not null;index"`
	Host        string    `json:"host" gorm:"type:varchar(512);not null;default:''"` // 空字符串表示尚未绑定
	Sitewide    bool      `json:"sitewide" gorm:"not null;default:false"`
	Confirmed   bool      `json:"confirmed" gorm:"not null;default:false"`
	ConfirmSent bool      `json:"confirmSent" gorm:"not null;default:false"`
	Disabled    bool      `json:"disabled" gorm:"not null;default:false"`
	Counter     int       `json:"counter" gorm:"not null;default:0"`
	OwnerID     *uint64   `json:"-" gorm:"index"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsOwned 表示表单是否由控制台账户创建
func (f *Form) IsOwned() bool {
	return f.OwnerID != nil
}

// IsBound 表示表单是否已绑定来源主机
func (f *Form) IsBound() bool {
	return f.Host != ""
}

// Submission 是一次被接受并转发的提交。
type Submission struct {
	ID          uint64                     `json:"id" gorm:"primaryKey;autoIncrement"`
	FormID      uint64                     `json:"-" gorm:"not null;index:idx_submissions_form_time,priority:1"`
	Data        datatypes.JSONType[Payload] `json:"data"`
	SubmittedAt time.Time                  `json:"submittedAt" gorm:"not null;index:idx_submissions_form_time,priority:2"`
}

// ConfirmationNonce 是一次性确认令牌。
type ConfirmationNonce struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	Nonce      string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	FormID     uint64     `gorm:"not null;index"`
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// MonthlyCounter 记录表单在某个自然月内的提交尝试次数（含超额的尝试）。
type MonthlyCounter struct {
	FormID uint64 `gorm:"primaryKey"`
	Month  string `gorm:"primaryKey;type:varchar(7)"` // "2006-01"
	Total  int    `gorm:"not null;default:0"`
}

// TableName 指定月度计数表名
func (MonthlyCounter) TableName() string {
	return "form_monthly_counters"
}

// MonthKey 返回 t 所在自然月（UTC）的键
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
