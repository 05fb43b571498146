// Package connection keeps an agent connected to its manager.
//
// Manager runs a connect function and, after a connection loss, retries it
// with exponential backoff and jitter:
//
//	delay(n) = min(Initial * Multiplier^n, Max) + random(0, delay * Jitter)
//
// The defaults start at one second and cap at one minute. A successful
// connect resets the backoff. A manager that rejects the handshake counts
// as a failed attempt.
package connection
