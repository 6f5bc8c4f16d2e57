// Package testutil contains test doubles shared across package tests, most
// notably FakeBackend, a scripted in-memory agent backend. Not intended for
// production usage.
package testutil
