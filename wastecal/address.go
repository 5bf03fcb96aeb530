package wastecal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddressDirectory maps what a user typed to the upstream location key.
type AddressDirectory interface {
	Resolve(ctx context.Context, address string) (int64, error)
	Label(ctx context.Context, addressKey int64) (string, error)
}

// TableAddressDirectory does exact, case-insensitive lookups on the addresses table.
// Fuzzy matching lives in front of it, in the chat UI.
type TableAddressDirectory struct {
	db *gorm.DB
}

func NewTableAddressDirectory(db *gorm.DB) *TableAddressDirectory {
	return &TableAddressDirectory{db: db}
}

func NormalizeAddress(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func (d *TableAddressDirectory) Resolve(ctx context.Context, address string) (int64, error) {
	key := NormalizeAddress(address)
	if key == "" {
		return 0, ErrAddressNotFound
	}
	var row Address
	err := d.db.WithContext(ctx).Where("address = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %q", ErrAddressNotFound, address)
	}
	if err != nil {
		return 0, storeErr("resolve address", err)
	}
	return row.AddressID, nil
}

func (d *TableAddressDirectory) Label(ctx context.Context, addressKey int64) (string, error) {
	var row Address
	err := d.db.WithContext(ctx).Where("address_id = ?", addressKey).Order("address asc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: key %d", ErrAddressNotFound, addressKey)
	}
	if err != nil {
		return "", storeErr("address label", err)
	}
	return row.Address, nil
}

// Import loads address rows, replacing keys of addresses already present.
func (d *TableAddressDirectory) Import(ctx context.Context, rows map[string]int64) (int, error) {
	batch := make([]Address, 0, len(rows))
	for addr, id := range rows {
		key := NormalizeAddress(addr)
		if key == "" {
			continue
		}
		batch = append(batch, Address{Address: key, AddressID: id})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"address_id"}),
	}).CreateInBatches(batch, 500).Error
	if err != nil {
		return 0, storeErr("import addresses", err)
	}
	return len(batch), nil
}
