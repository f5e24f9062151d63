package subscription

import (
	"fmt"
	"regexp"
	"strings"

	"marketfabric.io/core/internal/model"
)

// keyPattern implements the subscription key grammar, bit-exact:
//   key := exchange ":" symbol ["." suffix] "@" datatype ["_" interval]
var keyPattern = regexp.MustCompile(
	`^[A-Z0-9]+:[A-Za-z0-9]+(\.[A-Za-z0-9]+)?@(KLINE|QUOTES|TRADE|ACCOUNT)(_[A-Za-z0-9]+)?$`,
)

var validIntervals = map[string]struct{}{
	"1": {}, "3": {}, "5": {}, "15": {}, "30": {}, "60": {}, "120": {}, "240": {},
	"360": {}, "480": {}, "720": {}, "D": {}, "3D": {}, "W": {}, "M": {},
}

// Parse validates key against the grammar and extracts its data type.
func Parse(key string) (dataType model.DataType, err error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("subscription: malformed key %q", key)
	}

	at := strings.LastIndex(key, "@")
	rest := key[at+1:]

	dt := rest
	if underscore := strings.Index(rest, "_"); underscore >= 0 {
		dt = rest[:underscore]
		interval := rest[underscore+1:]
		if dt == string(model.DataTypeKline) {
			if _, ok := validIntervals[interval]; !ok {
				return "", fmt.Errorf("subscription: invalid interval %q in key %q", interval, key)
			}
		}
	}

	switch model.DataType(dt) {
	case model.DataTypeKline, model.DataTypeQuotes, model.DataTypeTrade, model.DataTypeAccount:
		return model.DataType(dt), nil
	default:
		return "", fmt.Errorf("subscription: unknown data type %q in key %q", dt, key)
	}
}

// IsSignalKey reports whether key is the synthetic SIGNAL:<alert_id> form,
// which never has a realtime_data row and is routed entirely in memory.
func IsSignalKey(key string) bool {
	return strings.HasPrefix(key, "SIGNAL:")
}
