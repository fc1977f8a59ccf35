package pdf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

// Generator produces the artifact for a document and returns a reference to
// it. The default generator is a stub; real rendering happens outside this
// process.
type Generator func(ctx context.Context, kind domain.DocumentKind, pk string) (string, error)

func stubGenerator(ctx context.Context, kind domain.DocumentKind, pk string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return fmt.Sprintf("pdf/%s/%s.pdf", kind, pk), nil
}

// Manager tracks long-running render jobs. Job state on the document row
// (pdf_generation_in_progress, pdf_ref) is last-write-wins: a cancel racing
// a completion is allowed and whichever lands second sticks. Jobs never
// touch workflow state.
type Manager struct {
	Repo    repo.Repo
	Gen     Generator
	Timeout time.Duration
	Log     *slog.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

func NewManager(r repo.Repo, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Manager{
		Repo:    r,
		Gen:     stubGenerator,
		Timeout: timeout,
		jobs:    map[string]context.CancelFunc{},
	}
}

func (m *Manager) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func jobKey(kind domain.DocumentKind, pk string) string {
	return string(kind) + "/" + pk
}

// Start flips the in-progress flag and runs the generator in the background.
// Starting while a job is already running is an error; the caller polls and
// retries.
func (m *Manager) Start(ctx context.Context, kind domain.DocumentKind, pk string) error {
	if _, err := m.Repo.GetDocument(ctx, kind, pk); err != nil {
		return err
	}
	key := jobKey(kind, pk)
	m.mu.Lock()
	if _, running := m.jobs[key]; running {
		m.mu.Unlock()
		return fmt.Errorf("pdf generation already in progress for %s", pk)
	}
	jobCtx, cancel := context.WithTimeout(context.Background(), m.Timeout)
	m.jobs[key] = cancel
	m.mu.Unlock()

	if err := m.Repo.SetDocumentPDF(ctx, kind, pk, true, nil); err != nil {
		m.finish(key, cancel)
		return err
	}
	go m.run(jobCtx, key, kind, pk, cancel)
	return nil
}

func (m *Manager) run(ctx context.Context, key string, kind domain.DocumentKind, pk string, cancel context.CancelFunc) {
	defer m.finish(key, cancel)
	gen := m.Gen
	if gen == nil {
		gen = stubGenerator
	}
	ref, err := gen(ctx, kind, pk)
	if err != nil {
		m.log().Warn("pdf generation failed", "document", pk, "kind", kind, "err", err)
		if err := m.Repo.SetDocumentPDF(context.Background(), kind, pk, false, nil); err != nil {
			m.log().Warn("pdf flag reset failed", "document", pk, "err", err)
		}
		return
	}
	if err := m.Repo.SetDocumentPDF(context.Background(), kind, pk, false, &ref); err != nil {
		m.log().Warn("pdf result store failed", "document", pk, "err", err)
	}
}

func (m *Manager) finish(key string, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	delete(m.jobs, key)
	m.mu.Unlock()
}

// Cancel stops a running job and clears the flag. Cancelling when nothing
// runs still clears the flag, so an orphaned flag from a crashed job can be
// recovered.
func (m *Manager) Cancel(ctx context.Context, kind domain.DocumentKind, pk string) error {
	key := jobKey(kind, pk)
	m.mu.Lock()
	cancel, running := m.jobs[key]
	m.mu.Unlock()
	if running {
		cancel()
	}
	return m.Repo.SetDocumentPDF(ctx, kind, pk, false, nil)
}

// Poll reports whether generation is still running and the current artifact
// reference, straight from the document row.
func (m *Manager) Poll(ctx context.Context, kind domain.DocumentKind, pk string) (pending bool, ref *string, err error) {
	env, err := m.Repo.GetDocument(ctx, kind, pk)
	if err != nil {
		return false, nil, err
	}
	return env.PDFPending, env.PDFRef, nil
}
