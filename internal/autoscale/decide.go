// Package autoscale turns request log growth into instance count changes.
package autoscale

// Decide returns the desired instance count. One more instance when observed
// exceeds threshold, one fewer when it is below and more than one is running.
// observed == threshold is a dead zone.
func Decide(observed, threshold, current int) int {
	if current < 1 {
		current = 1
	}
	switch {
	case observed > threshold:
		return current + 1
	case observed < threshold && current > 1:
		return current - 1
	default:
		return current
	}
}
