package expr

import "time"

func nowMillis() float64 {
	return float64(time.Now().UnixMilli())
}
