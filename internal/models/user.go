package models

import "time"

// User maps to the `users` table.
// Primary key is the Telegram user ID; it is the only identity the bot trusts.
type User struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Username         string    `gorm:"column:username;size:50" json:"username"`
	RegistrationDate time.Time `gorm:"column:registration_date" json:"registration_date"`

	Subscriptions []Subscription `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string {
	return "users"
}
