// Package pipeline streams raw records from the crawl into the intermediate
// artifact and owns the artifact's wire format.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"bookcrawl/models"
)

// ErrPipelineClosed is returned when Process is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// RecordWriter is the sink a pipeline flushes batches into.
type RecordWriter interface {
	Write(records []*models.RawRecord) error
	Close() error
	Validate() error
}

// Pipeline buffers raw records and flushes them to the artifact writer in
// insertion order. A single worker drains the channel, which keeps the
// one-writer-per-file invariant no matter what the producer does.
type Pipeline struct {
	writer    RecordWriter
	recordCh  chan *models.RawRecord
	batchSize int

	wg sync.WaitGroup

	counts counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline(writer RecordWriter) *Pipeline {
	return &Pipeline{
		writer:    writer,
		recordCh:  make(chan *models.RawRecord, 512),
		batchSize: 64,
		shutdown:  make(chan struct{}),
	}
}

// Start launches the flush worker.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker()
}

// Process enqueues one record for the artifact.
func (p *Pipeline) Process(rec *models.RawRecord) error {
	if rec == nil {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	return p.enqueue(rec)
}

// Close waits for the worker to drain and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Written returns how many records reached the artifact writer.
func (p *Pipeline) Written() int64 {
	return p.counts.written()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.RawRecord, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		p.counts.add(len(batch))
		batch = batch[:0]
		return nil
	}

	for rec := range p.recordCh {
		batch = append(batch, rec)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) enqueue(rec *models.RawRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- rec:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type counters struct {
	mu sync.Mutex
	n  int64
}

func (c *counters) add(n int) {
	c.mu.Lock()
	c.n += int64(n)
	c.mu.Unlock()
}

func (c *counters) written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
