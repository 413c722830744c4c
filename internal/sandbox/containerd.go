package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with its namespace and an image cache.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.Mutex
	images map[string]containerd.Image
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		namespace: namespace,
		images:    make(map[string]containerd.Image),
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Image returns ref, pulling and unpacking it on first use.
func (c *Client) Image(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.Lock()
	image, ok := c.images[ref]
	c.mu.Unlock()
	if ok {
		return image, nil
	}

	ctx = c.WithNamespace(ctx)
	image, err := c.inner.GetImage(ctx, ref)
	if err != nil {
		log.Info().Str("ref", ref).Msg("pulling analysis image")
		image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, err)
		}
	}

	c.mu.Lock()
	c.images[ref] = image
	c.mu.Unlock()
	return image, nil
}

func (c *Client) Close() error {
	return c.inner.Close()
}
