//go:build !linux

package leash

import "context"

// File-access observation needs procfs; elsewhere runs are unobserved.
// Namespace mode is Linux-only anyway, so this stub is never reached from a
// live run.
type fileMonitor struct{}

func newFileMonitor(monitorConfig) *fileMonitor { return nil }

func (m *fileMonitor) run(context.Context) {}

func (m *fileMonitor) WriteCount() int { return 0 }
