// Package async runs fire-and-forget background work with timeouts, panic
// recovery and logrus logging, so a failing task never crashes the host.
package async
