package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/andrefmz/chatsync/internal/metrics"
)

// ProgressFunc receives upload/download progress in [0,1].
type ProgressFunc func(fraction float64)

// DoneFunc receives the final result of an enqueued operation. For a
// given task, every progress callback is delivered before done.
type DoneFunc func(body []byte, err error)

// Task is the cancellable handle of an enqueued upload or download.
// Cancel detaches the callbacks so they never fire after cancellation.
type Task struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	progress  ProgressFunc
	done      DoneFunc
}

// Cancel aborts the operation and removes it from callback tracking.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.progress = nil
	t.done = nil
	t.mu.Unlock()
	t.cancel()
}

func (t *Task) reportProgress(f float64) {
	t.mu.Lock()
	fn := t.progress
	t.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (t *Task) finish(body []byte, err error) {
	t.mu.Lock()
	fn := t.done
	t.done = nil
	t.progress = nil
	t.mu.Unlock()
	if fn != nil {
		fn(body, err)
	}
}

// queue runs enqueued operations one at a time, so two large transfers
// from the same client never compete for bandwidth.
type queue struct {
	name string

	mu     sync.Mutex
	jobs   chan func()
	closed bool
}

func newQueue(name string) *queue {
	q := &queue{name: name, jobs: make(chan func(), 64)}
	go func() {
		for job := range q.jobs {
			job()
		}
	}()
	return q
}

// enqueue reports false once the queue is closed instead of panicking on
// a send to the closed channel.
func (q *queue) enqueue(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs <- job
	return true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Upload enqueues a multipart upload of payload as the single "file"
// part. Progress reflects bytes written of the request body. The returned
// task is cancellable until completion.
func (c *Client) Upload(ctx context.Context, path, filename string, payload []byte, progress ProgressFunc, done DoneFunc, opts ...CallOption) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, progress: progress, done: done}

	ok := c.uploads.enqueue(func() {
		if ctx.Err() != nil {
			t.finish(nil, fmt.Errorf("%w: %v", ErrURLSession, ctx.Err()))
			return
		}
		body, err := c.upload(ctx, path, filename, payload, t, opts...)
		if err != nil {
			t.finish(nil, err)
			return
		}
		t.finish(body, nil)
	})
	if !ok {
		t.finish(nil, fmt.Errorf("%w: client closed", ErrURLSession))
	}
	return t
}

func (c *Client) upload(ctx context.Context, path, filename string, payload []byte, t *Task, opts ...CallOption) ([]byte, error) {
	o := callOpts{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := c.URL(path, nil)
	if err != nil {
		return nil, c.fail("upload", path, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err))
	}
	if _, err := part.Write(payload); err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err))
	}
	if err := w.Close(); err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrInvalidDataEncoding, err))
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reader := &progressReader{
		r:     &buf,
		total: int64(buf.Len()),
		fn:    t.reportProgress,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reader)
	if err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrInvalidURL, err))
	}
	c.applyHeaders(req, o.headers)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.ContentLength = reader.total

	start := time.Now()
	defer func() { metrics.RecordRequest("upload", time.Since(start)) }()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	if resp.StatusCode >= 300 {
		return nil, c.fail("upload", u.String(), fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode))
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return raw, nil
}

// Download enqueues a raw byte fetch with progress based on
// Content-Length when the server provides one.
func (c *Client) Download(ctx context.Context, path string, progress ProgressFunc, done DoneFunc, opts ...CallOption) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, progress: progress, done: done}

	ok := c.downloads.enqueue(func() {
		if ctx.Err() != nil {
			t.finish(nil, fmt.Errorf("%w: %v", ErrURLSession, ctx.Err()))
			return
		}
		body, err := c.download(ctx, path, t, opts...)
		if err != nil {
			t.finish(nil, err)
			return
		}
		t.finish(body, nil)
	})
	if !ok {
		t.finish(nil, fmt.Errorf("%w: client closed", ErrURLSession))
	}
	return t
}

func (c *Client) download(ctx context.Context, path string, t *Task, opts ...CallOption) ([]byte, error) {
	o := callOpts{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := c.URL(path, nil)
	if err != nil {
		return nil, c.fail("download", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, c.fail("download", u.String(), fmt.Errorf("%w: %v", ErrInvalidURL, err))
	}
	c.applyHeaders(req, o.headers)

	start := time.Now()
	defer func() { metrics.RecordRequest("download", time.Since(start)) }()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail("download", u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, c.fail("download", u.String(), fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode))
	}

	reader := &progressReader{r: resp.Body, total: resp.ContentLength, fn: t.reportProgress}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, c.fail("download", u.String(), fmt.Errorf("%w: %v", ErrURLSession, err))
	}
	return raw, nil
}

// progressReader reports the fraction of total consumed from r.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil && p.total > 0 {
			p.fn(float64(p.read) / float64(p.total))
		}
	}
	return n, err
}
