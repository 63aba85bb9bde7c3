// Package testutil holds fixtures shared by package tests: quiet loggers
// and hand-built .mds containers that the codec itself would never write.
package testutil
