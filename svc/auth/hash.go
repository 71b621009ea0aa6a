package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/singleflight"

	"mdbin/svc/cache"
)

const (
	maxPasswordLength = 1024
	digestKeyLength   = 32
)

var (
	ErrHasherStopped = errors.New("hasher is shutting down")
	ErrSecretTooLong = errors.New("password too long")
	ErrHashTimeout   = errors.New("hash timeout")
	ErrNotStarted    = errors.New("hasher not started - call Start() first")
)

// Hasher produces deterministic peppered argon2id digests for edit passwords,
// view passwords and the instance admin password. Equal secrets always yield
// equal digests, so stored digests are compared directly rather than
// re-derived per row. Work runs on a bounded worker pool; identical concurrent
// requests share one derivation and finished digests are memoised in an
// injected cache.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	pepper      []byte
	salt        []byte
	digests     *cache.Digests
	group       singleflight.Group
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type hashJob struct {
	secret string
	resp   chan hashResult
}
type hashResult struct {
	digest string
	err    error
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte, digests *cache.Digests) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if digests == nil {
		return nil, errors.New("digest cache is required")
	}
	pepperCopy := append([]byte(nil), pepper...)
	mac := hmac.New(sha256.New, pepperCopy)
	mac.Write([]byte("mdbin-digest-salt-v1"))
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		pepper:      pepperCopy,
		salt:        mac.Sum(nil)[:16],
		digests:     digests,
		jobQueue:    make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			job.resp <- hashResult{digest: h.derive(job.secret)}
		case <-h.quit:
			return
		}
	}
}

// Hash returns the digest of secret. The empty secret hashes to "" and never
// matches anything.
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	if len(secret) > maxPasswordLength {
		return "", ErrSecretTooLong
	}
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	fp := h.fingerprint(secret)
	if d, ok := h.digests.Get(fp); ok {
		return d, nil
	}
	v, err, _ := h.group.Do(fp, func() (interface{}, error) {
		return h.submit(ctx, secret)
	})
	if err != nil {
		return "", err
	}
	digest := v.(string)
	h.digests.Set(fp, digest)
	return digest, nil
}

func (h *Hasher) submit(ctx context.Context, secret string) (string, error) {
	select {
	case <-h.quit:
		return "", ErrHasherStopped
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp := make(chan hashResult, 1)
	select {
	case h.jobQueue <- hashJob{secret: secret, resp: resp}:
	case <-ctx.Done():
		return "", ErrHashTimeout
	case <-h.quit:
		return "", ErrHasherStopped
	}
	select {
	case res := <-resp:
		return res.digest, res.err
	case <-ctx.Done():
		return "", ErrHashTimeout
	}
}

// Matches reports whether secret hashes to digest. Empty values never match.
func (h *Hasher) Matches(ctx context.Context, secret, digest string) (bool, error) {
	if secret == "" || digest == "" {
		return false, nil
	}
	got, err := h.Hash(ctx, secret)
	if err != nil {
		return false, err
	}
	return Equal(got, digest), nil
}

// Equal compares two digests.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Hasher) derive(secret string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	peppered := mac.Sum(nil)
	defer wipe(peppered)
	key := argon2.IDKey(peppered, h.salt, h.iterations, h.memory, h.parallelism, digestKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, base64.RawStdEncoding.EncodeToString(key))
}

func (h *Hasher) fingerprint(secret string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte("fp:"))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
