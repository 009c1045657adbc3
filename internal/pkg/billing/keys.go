package billing

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const orderSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewOrderID returns PB<unix-ms><6 upper-case alphanumerics>.
func NewOrderID(now time.Time) (string, error) {
	var b strings.Builder
	b.WriteString("PB")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	max := big.NewInt(int64(len(orderSuffixAlphabet)))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(orderSuffixAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewLicenseKey returns PB-<PLAN>-<base36 ms>-<16 hex>. The random part
// carries 64 bits.
func NewLicenseKey(plan string, now time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper("PB-" + plan + "-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + hex.EncodeToString(buf)), nil
}
