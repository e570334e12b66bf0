// Package model holds the vocabulary shared by the coordination components:
// platforms and platform filters, priorities, error kinds and the clock.
//
// It has no dependencies on other clipflow packages.
package model
