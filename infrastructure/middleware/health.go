// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"runtime"
)

// RuntimeStats returns runtime statistics, meant to be folded into a
// BaseService's WithStats callback alongside domain-specific figures.
func RuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"alloc_mb":   m.Alloc / 1024 / 1024,
		"sys_mb":     m.Sys / 1024 / 1024,
		"num_gc":     m.NumGC,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
}
