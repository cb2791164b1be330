package blockcrypt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// MultiKeyProvider tries multiple key providers in order for unwrapping.
// This is useful during master key rotation.
type MultiKeyProvider struct {
	providers []KeyProvider
	primary   KeyProvider // Primary provider for new wraps
}

// NewMultiKeyProvider creates a new multi-key provider.
// The first provider wraps new keys, all of them are tried when unwrapping.
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one key provider required")
	}
	for _, p := range providers {
		if p == nil {
			return nil, ErrNilKeyProvider
		}
	}
	return &MultiKeyProvider{
		providers: providers,
		primary:   providers[0],
	}, nil
}

// DeriveKey uses the primary provider
func (m *MultiKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	return m.primary.DeriveKey(salt)
}

// GenerateSalt uses the primary provider
func (m *MultiKeyProvider) GenerateSalt() ([]byte, error) {
	return m.primary.GenerateSalt()
}

// Providers returns the providers in the order they are tried
func (m *MultiKeyProvider) Providers() []KeyProvider {
	return append([]KeyProvider(nil), m.providers...)
}

// keyProviders expands p into the providers to try when unwrapping
func keyProviders(p KeyProvider) []KeyProvider {
	if mp, ok := p.(*MultiKeyProvider); ok {
		return mp.providers
	}
	return []KeyProvider{p}
}

// Rewrapper is implemented by modules that can re-wrap a file key under
// their current master key without touching the file content.
type Rewrapper interface {
	Rewrap(path string) error
}

// Rekey re-wraps the file key of name under the current master key. Modules
// that do not implement Rewrapper fail with ErrUnsupported.
func (fs *FS) Rekey(name string) error {
	h, err := fs.Header(name)
	if err != nil {
		return err
	}
	m, err := fs.registry.Resolve(h)
	if err != nil {
		return err
	}
	rw, ok := m.(Rewrapper)
	if !ok {
		return fmt.Errorf("rekey %s with module %s: %w", name, m.ID(), ErrUnsupported)
	}
	return rw.Rewrap(cleanName(name))
}

// RekeyOptions controls RekeyAll
type RekeyOptions struct {
	// Workers is the number of concurrent rekey workers.
	// If 0, defaults to runtime.NumCPU()
	Workers int

	// SkipPlaintext ignores files that are not encrypted instead of
	// reporting them as failures. Defaults to true through DefaultRekeyOptions.
	SkipPlaintext bool
}

// DefaultRekeyOptions returns the default rekey options
func DefaultRekeyOptions() RekeyOptions {
	return RekeyOptions{
		Workers:       runtime.NumCPU(),
		SkipPlaintext: true,
	}
}

// Validate checks if the rekey options are valid
func (o *RekeyOptions) Validate() error {
	if o.Workers < 0 {
		return NewValidationError("workers", o.Workers, "cannot be negative")
	}
	if o.Workers > 1024 {
		return NewValidationError("workers", o.Workers, "must not exceed 1024")
	}
	return nil
}

// RekeyResult summarizes a RekeyAll run
type RekeyResult struct {
	Rotated int
	Skipped int
	Failed  map[string]error
}

// RekeyAll re-wraps the keys of names with a pool of workers. It stops
// handing out work when ctx is cancelled. The returned error joins every
// per-file failure.
func (fs *FS) RekeyAll(ctx context.Context, names []string, opts RekeyOptions) (RekeyResult, error) {
	result := RekeyResult{Failed: make(map[string]error)}
	if err := opts.Validate(); err != nil {
		return result, err
	}
	if len(names) == 0 {
		return result, nil
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(names) {
		numWorkers = len(names)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		jobs = make(chan string)
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			result.Rotated++
		case opts.SkipPlaintext && errors.Is(err, ErrNotEncrypted):
			result.Skipped++
		default:
			result.Failed[name] = err
		}
	}

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				func() {
					defer func() {
						if r := recover(); r != nil {
							// Convert panic to error
							record(name, fmt.Errorf("panic in rekey worker: %v", r))
						}
					}()
					record(name, fs.Rekey(name))
				}()
			}
		}()
	}

send:
	for _, name := range names {
		select {
		case jobs <- name:
		case <-ctx.Done():
			break send
		}
	}
	close(jobs)
	wg.Wait()

	var errs []error
	for name, err := range result.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	fs.log.WithFields(logrus.Fields{
		"rotated": result.Rotated,
		"skipped": result.Skipped,
		"failed":  len(result.Failed),
	}).Info("key rotation finished")
	return result, errors.Join(errs...)
}
