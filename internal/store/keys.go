package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key layout:
//
//	conv/<id>                                conversation
//	msg/<convID>/<createdAt nanos>/<msgID>   message, ordered by creation time
//	mem/<id>                                 memory
//	pref                                     preferences
const (
	convPrefix = "conv/"
	msgPrefix  = "msg/"
	memPrefix  = "mem/"
	prefKey    = "pref"
)

func convKey(id string) string { return convPrefix + id }

func memKey(id string) string { return memPrefix + id }

func msgConvPrefix(convID string) string { return msgPrefix + convID + "/" }

// msgKey zero-pads the timestamp so lexical order equals creation order.
func msgKey(convID string, createdAt time.Time, msgID string) string {
	return fmt.Sprintf("%s%020d/%s", msgConvPrefix(convID), createdAt.UnixNano(), msgID)
}

// msgKeyTime extracts the creation timestamp from a message key.
func msgKeyTime(key string) (int64, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return 0, false
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
