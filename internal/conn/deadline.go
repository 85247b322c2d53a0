package conn

import "time"

func deadlineNow() time.Time {
	return time.Now().Add(2 * time.Second)
}
