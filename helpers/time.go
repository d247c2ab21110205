package helpers

import "time"

// IntSecondDefault converts config seconds, x=0 means default, x<0 means disabled (0).
func IntSecondDefault(x int, def time.Duration) time.Duration {
	switch {
	case x == 0:
		return def
	case x < 0:
		return 0
	}
	return time.Duration(x) * time.Second
}
