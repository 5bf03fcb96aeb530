package wastecal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type UpsertResult int

const (
	UpsertInserted  UpsertResult = iota
	UpsertUpdated                // same uid, content changed
	UpsertUnchanged              // same uid, same content
	UpsertDuplicate              // content already stored under another uid
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	case UpsertUnchanged:
		return "unchanged"
	case UpsertDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// OpenDB opens (and migrates) the application SQLite database.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventRecord{}, &Subscription{}, &NotificationLog{}, &Address{}); err != nil {
		return nil, err
	}
	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	// Writers take the lock at BEGIN so busy_timeout applies instead of a
	// failed read-to-write upgrade.
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Store owns every persisted row of the service.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the handle for collaborators sharing the same file (address directory).
func (s *Store) DB() *gorm.DB { return s.db }

// UpsertEvent stores ev so that no two rows of one address share a content hash.
// Lookup by uid, then by hash, runs in one transaction.
func (s *Store) UpsertEvent(ctx context.Context, ev EventRecord) (UpsertResult, error) {
	ev.ContentHash = ev.ComputeHash()
	var result UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing EventRecord
		err := tx.Where("address_key = ? AND uid = ?", ev.AddressKey, ev.ExternalID).First(&existing).Error
		switch {
		case err == nil:
			if existing.ContentHash == ev.ContentHash {
				result = UpsertUnchanged
				return nil
			}
			taken, err := hashTaken(tx, ev.AddressKey, ev.ContentHash, existing.ID)
			if err != nil {
				return err
			}
			if taken {
				result = UpsertDuplicate
				return nil
			}
			result = UpsertUpdated
			return tx.Model(&EventRecord{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"date":             ev.Date,
				"location":         ev.Location,
				"waste_type":       ev.WasteType,
				"contact_name":     ev.ContactName,
				"contact_phone":    ev.ContactPhone,
				"original_address": ev.AddressLabel,
				"hash":             ev.ContentHash,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			taken, err := hashTaken(tx, ev.AddressKey, ev.ContentHash, 0)
			if err != nil {
				return err
			}
			if taken {
				result = UpsertDuplicate
				return nil
			}
			result = UpsertInserted
			ev.ID = 0
			return tx.Create(&ev).Error
		default:
			return err
		}
	})
	if err != nil {
		return 0, storeErr("upsert event", err)
	}
	return result, nil
}

func hashTaken(tx *gorm.DB, addressKey int64, hash string, exceptID uint) (bool, error) {
	var n int64
	q := tx.Model(&EventRecord{}).Where("address_key = ? AND hash = ?", addressKey, hash)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEventsForAddress returns events dated on or after onOrAfter, oldest first.
func (s *Store) ListEventsForAddress(ctx context.Context, addressKey int64, onOrAfter string) ([]EventRecord, error) {
	var events []EventRecord
	err := s.db.WithContext(ctx).
		Where("address_key = ? AND date >= ?", addressKey, onOrAfter).
		Order("date asc, waste_type asc, id asc").
		Find(&events).Error
	if err != nil {
		return nil, storeErr("list events", err)
	}
	return events, nil
}

// NextPickupDay returns the events of the earliest collection day on or after
// onOrAfter, or nil when none is stored.
func (s *Store) NextPickupDay(ctx context.Context, addressKey int64, onOrAfter string) ([]EventRecord, error) {
	var first EventRecord
	err := s.db.WithContext(ctx).
		Where("address_key = ? AND date >= ?", addressKey, onOrAfter).
		Order("date asc").
		Limit(1).
		Find(&first).Error
	if err != nil {
		return nil, storeErr("next pickup", err)
	}
	if first.ID == 0 {
		return nil, nil
	}
	var events []EventRecord
	err = s.db.WithContext(ctx).
		Where("address_key = ? AND date = ?", addressKey, first.Date).
		Order("waste_type asc, id asc").
		Find(&events).Error
	if err != nil {
		return nil, storeErr("next pickup", err)
	}
	return events, nil
}

func (s *Store) CountEvents(ctx context.Context, addressKey int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&EventRecord{}).Where("address_key = ?", addressKey).Count(&n).Error; err != nil {
		return 0, storeErr("count events", err)
	}
	return n, nil
}

// FindSubscription returns nil, nil when the pair was never subscribed.
// Inactive rows are returned too so callers can reactivate them.
func (s *Store) FindSubscription(ctx context.Context, chatID int64, addressKey int64) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).Where("chat_id = ? AND address_key = ?", chatID, addressKey).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find subscription", err)
	}
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id uint) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get subscription", err)
	}
	return &sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, chatID int64, addressKey int64, displayName string, when NotificationTime) (*Subscription, error) {
	sub := Subscription{
		ChatID:           chatID,
		AddressKey:       addressKey,
		DisplayName:      displayName,
		NotificationTime: when,
		IsActive:         true,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, storeErr("create subscription", err)
	}
	return &sub, nil
}

// ReactivateSubscription turns a soft-deleted row back on and resets its cursor.
func (s *Store) ReactivateSubscription(ctx context.Context, id uint, displayName string, when NotificationTime) error {
	err := s.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).Updates(map[string]any{
		"is_active":         true,
		"address_name":      displayName,
		"notification_time": when,
		"last_notified":     nil,
	}).Error
	return storeErr("reactivate subscription", err)
}

func (s *Store) DeactivateSubscription(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).Update("is_active", false).Error
	return storeErr("deactivate subscription", err)
}

// ListActiveSubscriptions returns all active subscriptions, or those of one chat.
func (s *Store) ListActiveSubscriptions(ctx context.Context, chatID *int64) ([]Subscription, error) {
	q := s.db.WithContext(ctx).Where("is_active = ?", true)
	if chatID != nil {
		q = q.Where("chat_id = ?", *chatID)
	}
	var subs []Subscription
	if err := q.Order("id asc").Find(&subs).Error; err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	return subs, nil
}

// ListDistinctSubscribedAddresses returns one row per address with at least one
// active subscription. The label is taken from the oldest such subscription.
func (s *Store) ListDistinctSubscribedAddresses(ctx context.Context) ([]SubscribedAddress, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("address_key asc, id asc").
		Find(&subs).Error
	if err != nil {
		return nil, storeErr("list subscribed addresses", err)
	}
	out := make([]SubscribedAddress, 0, len(subs))
	for _, sub := range subs {
		n := len(out)
		if n > 0 && out[n-1].AddressKey == sub.AddressKey {
			if out[n-1].Label == "" {
				out[n-1].Label = sub.DisplayName
			}
			continue
		}
		out = append(out, SubscribedAddress{AddressKey: sub.AddressKey, Label: sub.DisplayName})
	}
	return out, nil
}

func (s *Store) RecordNotificationLog(ctx context.Context, subscriptionID uint, status LogStatus) (uint, error) {
	entry := NotificationLog{
		SubscriptionID: subscriptionID,
		ScheduledAt:    s.now().UTC(),
		Status:         status,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, storeErr("record notification log", err)
	}
	return entry.ID, nil
}

func (s *Store) UpdateNotificationLog(ctx context.Context, logID uint, status LogStatus, errorMessage string) error {
	return storeErr("update notification log", updateLog(s.db.WithContext(ctx), logID, status, errorMessage, s.now().UTC()))
}

func updateLog(tx *gorm.DB, logID uint, status LogStatus, errorMessage string, sentAt time.Time) error {
	var msg *string
	if errorMessage != "" {
		msg = &errorMessage
	}
	return tx.Model(&NotificationLog{}).Where("id = ?", logID).Updates(map[string]any{
		"status":         status,
		"error_message":  msg,
		"timestamp_sent": sentAt,
	}).Error
}

func (s *Store) UpdateLastNotified(ctx context.Context, subscriptionID uint, date string) error {
	err := s.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", subscriptionID).Update("last_notified", date).Error
	return storeErr("update last notified", err)
}

// MarkDelivered advances the cursor and closes the log entry atomically.
func (s *Store) MarkDelivered(ctx context.Context, logID uint, subscriptionID uint, date string) error {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Subscription{}).Where("id = ?", subscriptionID).Update("last_notified", date).Error; err != nil {
			return err
		}
		return updateLog(tx, logID, LogSuccess, "", now)
	})
	return storeErr("mark delivered", err)
}

// RecentNotificationLogs feeds read-only reporting.
func (s *Store) RecentNotificationLogs(ctx context.Context, limit int) ([]NotificationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []NotificationLog
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&logs).Error; err != nil {
		return nil, storeErr("recent notification logs", err)
	}
	return logs, nil
}
