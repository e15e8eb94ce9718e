package generation

import "time"

// Session groups generation jobs for one owner.
type Session struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionRef string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"sessionRef"`
	UserRef    string    `gorm:"type:varchar(64);index;not null" json:"-"`
	Title      string    `gorm:"type:varchar(128)" json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Session) TableName() string { return "generation_sessions" }
