package cache

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"mdbin/metrics"
)

// Digests memoises secret -> digest results for the hasher. Keys are already
// keyed-MAC fingerprints of the secret, never the secret itself.
type Digests struct {
	c *lru.Cache[string, string]
}

func NewDigests(size int) (*Digests, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Digests{c: c}, nil
}

func (d *Digests) Get(fingerprint string) (string, bool) {
	v, ok := d.c.Get(fingerprint)
	if ok {
		metrics.CacheHits.WithLabelValues("digest").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("digest").Inc()
	}
	return v, ok
}

func (d *Digests) Set(fingerprint, digest string) {
	d.c.Add(fingerprint, digest)
}

func (d *Digests) Len() int {
	return d.c.Len()
}
