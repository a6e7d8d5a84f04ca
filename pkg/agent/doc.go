// Package agent defines the unit-of-work contract: schema-validated,
// lifecycle-managed pieces of executable logic, plus the Runner that
// wraps every invocation with validation, timeouts, and retry.
package agent
