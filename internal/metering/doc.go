// Package metering implements the work unit meter: a fixed ring of time
// buckets covering a trailing window, a graduated throttle factor and
// threshold notifications with hysteresis.
//
// Crossed thresholds are remembered until occupancy falls below the lowest
// configured threshold, so a saturated window reports each level once per
// episode instead of on every call.
package metering
