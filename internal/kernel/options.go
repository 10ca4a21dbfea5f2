package kernel

import "strings"

// SyncOptions control how a filesystem is committed to storage. They
// combine as bit flags.
type SyncOptions uint

const (
	// SyncWaitClose waits for open streams and lock holders instead of
	// failing with a BusyError.
	SyncWaitClose SyncOptions = 1 << iota
	// SyncForceCloseInput closes open input streams.
	SyncForceCloseInput
	// SyncForceCloseOutput closes, and so commits, open output streams.
	SyncForceCloseOutput
	// SyncClearCache releases mounted filesystems that have nothing to
	// commit, and forgets cached false positives.
	SyncClearCache
	// SyncAbortChanges discards pending changes instead of committing them.
	SyncAbortChanges
	// SyncReset returns the filesystem to its unmounted state without
	// writing anything. It implies force closing every stream.
	SyncReset
)

const (
	// SyncDefault commits touched filesystems and releases idle ones.
	SyncDefault = SyncClearCache
	// SyncUmount is SyncDefault with open streams force closed.
	SyncUmount = SyncClearCache | SyncForceCloseInput | SyncForceCloseOutput
)

// Has reports whether every flag in o2 is set in o.
func (o SyncOptions) Has(o2 SyncOptions) bool {
	return o&o2 == o2
}

func (o SyncOptions) String() string {
	names := []string{}
	for _, f := range []struct {
		flag SyncOptions
		name string
	}{
		{SyncWaitClose, "WAIT_CLOSE"},
		{SyncForceCloseInput, "FORCE_CLOSE_INPUT"},
		{SyncForceCloseOutput, "FORCE_CLOSE_OUTPUT"},
		{SyncClearCache, "CLEAR_CACHE"},
		{SyncAbortChanges, "ABORT_CHANGES"},
		{SyncReset, "RESET"},
	} {
		if o.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}
