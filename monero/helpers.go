package monero

import (
	"encoding/hex"
	"strconv"
)

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func itoa(u uint64) string {
	return strconv.FormatUint(u, 10)
}
