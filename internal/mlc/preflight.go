package mlc

import (
	"context"
	"fmt"
)

// Preflight checks that the volume holding target can take totalBytes.
// It only reads; on failure nothing has been written. The check is advisory:
// concurrent disk usage by other processes can still exhaust the volume.
func Preflight(ctx context.Context, store ContentStore, totalBytes uint64, target string) error {
	free, err := store.FreeSpace(ctx, target)
	if err != nil {
		return phaseError(ErrPreflight, fmt.Errorf("querying free space: %w", err))
	}
	if free < totalBytes {
		return phaseError(ErrPreflight, fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, totalBytes, free))
	}
	return nil
}
