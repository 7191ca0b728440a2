//go:build !govips || !cgo

package pipeline

// The pure Go codec has no process-wide state to manage.

func Startup(int) error { return nil }

func Shutdown() {}
