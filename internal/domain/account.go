package domain

import "time"

// Account 是控制台账户。登录与计费由外部系统负责，这里只保存配额需要的状态。
type Account struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Email     string    `json:"email" gorm:"type:varchar(254);uniqueIndex;not null"`
	Upgraded  bool      `json:"upgraded" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccountEmail 是账户名下的邮箱地址。已验证的地址让账户成为该地址匿名表单的控制者。
type AccountEmail struct {
	Address   string    `json:"address" gorm:"primaryKey;type:varchar(254)"`
	AccountID uint64    `json:"-" gorm:"not null;index"`
	Verified  bool      `json:"verified" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"createdAt"`
}
