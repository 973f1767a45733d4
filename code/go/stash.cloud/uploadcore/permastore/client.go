package permastore

import (
	"context"
	"io"
)

// Tag name/value metadata pair attached to a committed object.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Receipt result of a successful commit to the permanent backend.
type Receipt struct {
	// ID the backend's identifier of the stored object.
	ID string `json:"id"`
	// URL gateway URL the object is served from.
	URL string `json:"url"`
}

// Client thin interface to the permanent storage backend. The backend is an
// append-only, pay-once service: a quote prices a payload size, balance is
// the prefunded account, and a commit is final.
type Client interface {
	// Quote price in base units to store size bytes.
	Quote(ctx context.Context, size int64) (int64, error)
	// Balance funds currently available on the server's account.
	Balance(ctx context.Context) (int64, error)
	// Commit writes size bytes from data with the given tags. This is the
	// long-pole call; callers pass a context with the commit timeout. Once
	// issued it runs to success or failure on its own terms.
	Commit(ctx context.Context, data io.Reader, size int64, tags []Tag) (*Receipt, error)
}

var client Client

// GetClient returns the process-wide permanent storage client.
func GetClient() Client {
	return client
}

// SetClient installs the process-wide permanent storage client.
func SetClient(c Client) {
	client = c
}
