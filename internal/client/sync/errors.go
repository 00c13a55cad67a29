package sync

import "errors"

var (
	// ErrOffline возвращается операциями, которым нужна центральная БД, в режиме LOCAL_ONLY
	ErrOffline = errors.New("no central endpoint reachable")
)
