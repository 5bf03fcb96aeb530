package wastecal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ComputeHash fingerprints the semantic content of the event. ExternalID and
// AddressLabel are left out because upstream rotates UIDs and labels are per user.
func (e *EventRecord) ComputeHash() string {
	raw := strings.Join([]string{
		e.Date,
		e.Location,
		e.WasteType,
		e.ContactName,
		e.ContactPhone,
		strconv.FormatInt(e.AddressKey, 10),
	}, "|")
	return hashHex(raw)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
