// Package api is the outward surface of clipflow. Every operation returns an
// Envelope; failures are values and never cross this boundary as errors.
package api
