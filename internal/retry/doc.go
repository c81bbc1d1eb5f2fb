// Package retry provides exponential backoff with jitter for calls to
// external services such as Vault.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return readSecret(ctx)
//	}, &retry.Options{ShouldRetry: isTransient})
//
// Wrapping an error with Permanent stops the loop immediately.
package retry
