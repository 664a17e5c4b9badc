package storage

import (
	"fmt"
	"os"
	"time"
)

// WriteInfoFile writes a human-readable snapshot of opts to path (spec §6:
// "<base>.info" — "human-readable configuration snapshot"). This is a
// supplemented feature: the distilled spec names the file's existence but
// leaves its contents to the implementation, so the format here follows the
// teacher's plain key:value info dumps rather than a structured encoding.
func WriteInfoFile(path string, opts Options, extra HeaderExtra) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "pagekv info, written %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "baseFilePath: %s\n", opts.BaseFilePath)
	fmt.Fprintf(f, "pageSize: %d\n", opts.PageSize)
	fmt.Fprintf(f, "minCachedBytes: %d\n", opts.MinCachedBytes)
	fmt.Fprintf(f, "maxCachedBytes: %d\n", opts.MaxCachedBytes)
	fmt.Fprintf(f, "durabilityMode: %s\n", opts.DurabilityMode)
	fmt.Fprintf(f, "lockTimeout: %s\n", opts.LockTimeout)
	fmt.Fprintf(f, "checkpointRate: %s\n", opts.CheckpointRate)
	fmt.Fprintf(f, "readOnly: %t\n", opts.ReadOnly)
	fmt.Fprintf(f, "encodingVersion: %d\n", extra.EncodingVersion)
	fmt.Fprintf(f, "rootPageId: %d\n", extra.RootPageID)
	fmt.Fprintf(f, "transactionId: %d\n", extra.TransactionID)
	fmt.Fprintf(f, "redoPosition: %d\n", extra.RedoPosition)
	return nil
}
