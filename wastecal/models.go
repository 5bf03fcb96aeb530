package wastecal

import "time"

// DateLayout is the canonical text form of a calendar date in the store and in hashes.
const DateLayout = "2006-01-02"

// UnknownWasteType is assigned when neither summary nor description names a known bin.
const UnknownWasteType = "Unbekannt"

type NotificationTime string

const (
	NotifyMorning NotificationTime = "morning"
	NotifyEvening NotificationTime = "evening"
)

type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSuccess LogStatus = "success"
	LogFailure LogStatus = "failure"
)

// EventRecord is one collection date of one waste type for one subscribed address.
type EventRecord struct {
	ID           uint   `gorm:"primaryKey"`
	ExternalID   string `gorm:"column:uid;size:255;index:uniq_address_uid,unique"`
	AddressKey   int64  `gorm:"not null;index:uniq_address_uid,unique;index:uniq_address_hash,unique;index:idx_address_date"`
	Date         string `gorm:"size:10;not null;index:idx_address_date"` // YYYY-MM-DD
	Location     string `gorm:"type:text"`
	WasteType    string `gorm:"size:64;index"`
	ContactName  string `gorm:"type:text"`
	ContactPhone string `gorm:"size:64"`
	// AddressLabel is the label the feed was fetched for. Informational, not part of the hash.
	AddressLabel string `gorm:"column:original_address;type:text"`
	ContentHash  string `gorm:"column:hash;size:64;index:uniq_address_hash,unique"`
}

func (EventRecord) TableName() string { return "waste_events" }

type Subscription struct {
	ID               uint             `gorm:"primaryKey"`
	ChatID           int64            `gorm:"not null;index:uniq_chat_address,unique"`
	AddressKey       int64            `gorm:"not null;index:uniq_chat_address,unique;index"`
	DisplayName      string           `gorm:"column:address_name;type:text"`
	NotificationTime NotificationTime `gorm:"size:16;not null"`
	LastNotified     *string          `gorm:"size:10"` // YYYY-MM-DD of the last delivered collection
	IsActive         bool             `gorm:"not null;index"`
	CreatedAt        time.Time
}

func (Subscription) TableName() string { return "subscriptions" }

type NotificationLog struct {
	ID             uint       `gorm:"primaryKey"`
	SubscriptionID uint       `gorm:"not null;index"`
	ScheduledAt    time.Time  `gorm:"column:timestamp_scheduled;index"`
	SentAt         *time.Time `gorm:"column:timestamp_sent"`
	Status         LogStatus  `gorm:"size:16;not null;index"`
	ErrorMessage   *string    `gorm:"type:text"`
}

func (NotificationLog) TableName() string { return "notification_logs" }

// Address maps a normalized street address to the upstream location key (STANDORT).
type Address struct {
	Address   string `gorm:"primaryKey;type:text"`
	AddressID int64  `gorm:"not null;index"`
}

func (Address) TableName() string { return "addresses" }

// SubscribedAddress is one row of the refresh work list.
type SubscribedAddress struct {
	AddressKey int64
	Label      string
}

// NotificationTask is one message that is due for delivery.
type NotificationTask struct {
	SubscriptionID uint
	ChatID         int64
	Message        string
	CollectionDate string
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// dayOf returns midnight UTC of the calendar day t falls on in its own location.
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
