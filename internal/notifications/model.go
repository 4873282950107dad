package notifications

import "time"

// Kind enumerates the in-app notification kinds raised by engagement tracking.
type Kind string

const (
	KindHotLead          Kind = "beacon_hot_lead"
	KindProposalAccepted Kind = "beacon_proposal_accepted"
	KindProposalDeclined Kind = "beacon_proposal_declined"
)

// Notification is a persisted in-app notification for one agent.
type Notification struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1"`
	Kind      Kind      `gorm:"column:kind;size:64;not null"`
	Title     string    `gorm:"column:title;size:256;not null"`
	Message   string    `gorm:"column:message;type:text;not null"`
	Link      string    `gorm:"column:link;size:1024;not null;default:''"`
	LeadID    string    `gorm:"column:appraisal_id;size:190;not null;default:'';index"`
	IsRead    bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Draft is a notification that has not been persisted yet.
type Draft struct {
	UserID  string
	Kind    Kind
	Title   string
	Message string
	Link    string
	LeadID  string
}
