package payments

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvoiceNumber formats INV-YYYYMMDD-XXXXXXXX with eight upper-case hex digits.
func InvoiceNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "INV-" + now.UTC().Format("20060102") + "-" + strings.ToUpper(suffix)
}
