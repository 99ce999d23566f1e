package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	domain "github.com/listing-auditor/api/internal/domain"
)

// ErrDispatcherClosed is returned by Dispatch once shutdown has begun.
var ErrDispatcherClosed = errors.New("audit dispatcher: closed")

// AuditDispatcherDeps bundles collaborators required to construct the dispatcher.
type AuditDispatcherDeps struct {
	Audits AuditService
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// AuditDispatcher runs each accepted audit on its own goroutine. There is no
// queue and no concurrency limit; Close and Wait exist so shutdown can drain
// work that is already running.
type AuditDispatcher struct {
	audits AuditService
	logger func(context.Context, string, map[string]any)

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewAuditDispatcher validates deps and returns a ready dispatcher.
func NewAuditDispatcher(deps AuditDispatcherDeps) (*AuditDispatcher, error) {
	if deps.Audits == nil {
		return nil, errors.New("audit dispatcher: audit service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &AuditDispatcher{audits: deps.Audits, logger: logger}, nil
}

// Dispatch starts the audit in the background and returns immediately. The
// audit keeps the values of ctx (logger, trace) but not its cancellation.
func (d *AuditDispatcher) Dispatch(ctx context.Context, product domain.Product) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger(detached, "audit.dispatch.failed", map[string]any{
					"productID": product.ID,
					"error":     fmt.Errorf("panic: %v", rec),
					"stack":     string(debug.Stack()),
				})
			}
		}()
		if _, err := d.audits.Audit(detached, product); err != nil {
			d.logger(detached, "audit.dispatch.failed", map[string]any{
				"productID": product.ID,
				"shop":      product.ShopDomain,
				"error":     err,
			})
		}
	}()
	return nil
}

// Close stops accepting new audits.
func (d *AuditDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait closes the dispatcher and blocks until running audits finish or ctx
// expires.
func (d *AuditDispatcher) Wait(ctx context.Context) error {
	d.Close()
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit dispatcher: drain: %w", ctx.Err())
	}
}
