package game

import (
	"fmt"
	"strconv"
	"strings"
)

// Store key layout. Every key of a group starts with groupPrefix so that one
// DeletePrefix call can drop a whole family of keys.

func groupPrefix(groupID int64) string {
	return fmt.Sprintf("group:%d:", groupID)
}

func sessionKey(groupID int64) string {
	return groupPrefix(groupID) + "session"
}

func statsPrefix(groupID int64) string {
	return groupPrefix(groupID) + "stats:"
}

func statsKey(groupID, userID int64) string {
	return statsPrefix(groupID) + strconv.FormatInt(userID, 10)
}

func memberPrefix(groupID int64) string {
	return groupPrefix(groupID) + "member:"
}

func memberKey(groupID, userID int64) string {
	return memberPrefix(groupID) + strconv.FormatInt(userID, 10)
}

func historyPrefix(groupID int64) string {
	return groupPrefix(groupID) + "history:"
}

func historyKey(groupID, number int64) string {
	return historyPrefix(groupID) + strconv.FormatInt(number, 10)
}

// idFromKey parses the trailing numeric id of key under prefix.
func idFromKey(key, prefix string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
}
