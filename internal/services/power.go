package services

import "time"

// CalculatePowerUsageInWh is floor(powerW * elapsed hours) between since and
// now. Non-positive spans or power yield 0.
func CalculatePowerUsageInWh(since time.Time, powerW int64, now time.Time) int64 {
	elapsed := now.Sub(since)
	if elapsed <= 0 || powerW <= 0 {
		return 0
	}
	return powerW * elapsed.Milliseconds() / time.Hour.Milliseconds()
}
