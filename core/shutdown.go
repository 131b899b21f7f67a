package core

import "context"

// ShutdownFunc is a cleanup handler run during graceful shutdown. ctx
// carries the remaining shutdown deadline. Implementations should be
// idempotent and return promptly once ctx is done.
type ShutdownFunc func(ctx context.Context) error
