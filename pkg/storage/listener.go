package storage

// ProgressListener receives progress notifications from CheckStoredPages.
// Implementations must return quickly; OnProgress is called from the
// scanning goroutine while the coordinator's structural lock is held.
type ProgressListener interface {
	OnProgress(fileID uint64, scanned, total int)
}

// ProgressListenerFunc adapts a function to a ProgressListener.
type ProgressListenerFunc func(fileID uint64, scanned, total int)

// OnProgress implements ProgressListener.
func (f ProgressListenerFunc) OnProgress(fileID uint64, scanned, total int) {
	f(fileID, scanned, total)
}

// noopListener discards progress notifications.
type noopListener struct{}

func (noopListener) OnProgress(uint64, int, int) {}
