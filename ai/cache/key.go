// Package cache memoizes provider responses keyed by a deterministic hash
// of the request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/shopspring/decimal"
)

// TemperaturePrecision is the number of decimals temperature is rounded
// to before hashing.
const TemperaturePrecision = 2

// Key returns the cache key for a request.
//
// The key is the lowercase hex SHA-256 of five length-prefixed fields in
// this order: provider, model, temperature, system prompt, user prompt.
// Each field is encoded as "<byte length>:<bytes>" with no separator
// between fields. Temperature is taken at its shortest decimal
// representation (0.285, not the nearest binary double), rounded half away
// from zero to two decimals and formatted with exactly two decimals
// ("0.20"). Negative values that round to zero are written as "0.00".
func Key(provider, model string, temperature float64, system, user string) string {
	h := sha256.New()
	for _, field := range []string{provider, model, FormatTemperature(temperature), system, user} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FormatTemperature renders t the way Key hashes it
func FormatTemperature(t float64) string {
	return decimal.NewFromFloat(t).Round(TemperaturePrecision).StringFixed(TemperaturePrecision)
}
