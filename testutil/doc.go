// Package testutil provides fakes and payload builders shared by the
// package tests: an in-memory JetStream delivery, a recording publisher and
// telemetry payloads in the inbound wire format.
package testutil
