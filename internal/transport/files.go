package transport

import "context"

// Privacy selects the file service's access namespace.
type Privacy string

const (
	Public  Privacy = "PUBLIC"
	Private Privacy = "PRIVATE"
)

// FilePath returns the download path for a stored binary.
func FilePath(p Privacy, uuid string) string {
	return "/files/" + string(p) + "/" + uuid
}

// Fetch downloads a path through the serialized download queue and blocks
// until the body arrives or ctx is cancelled. It adapts the task-based
// Download API for callers that want a plain call.
func (c *Client) Fetch(ctx context.Context, path string, opts ...CallOption) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	task := c.Download(ctx, path, nil,
		func(body []byte, err error) { done <- result{body: body, err: err} },
		opts...)

	select {
	case res := <-done:
		return res.body, res.err
	case <-ctx.Done():
		task.Cancel()
		return nil, ctx.Err()
	}
}
