package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// NewInvoiceNumber builds a client-side invoice number that stays unique
// across devices and rapid resubmission: device prefix plus a random UUIDv4.
func NewInvoiceNumber(deviceID string) string {
	deviceID = strings.ToUpper(strings.TrimSpace(deviceID))
	if deviceID == "" {
		deviceID = "POS"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("INV-%s-%s", deviceID, strings.ToUpper(id))
}
