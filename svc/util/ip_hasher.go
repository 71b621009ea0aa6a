package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher pseudonymises client addresses before they are written into session
// records. Keys are derived per epoch from the pepper, so hashes of one address
// stay stable within an epoch and become unlinkable after rotation.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	mu               sync.RWMutex
	currentKey       []byte
	previousKey      []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopped          bool
}

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		pepper:           append([]byte(nil), pepper...),
		stopChan:         make(chan struct{}),
	}
	h.rotate(time.Now())
	go h.rotationLoop()
	return h, nil
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	return h.hashWithKey(ip, h.currentKey, h.currentEpoch), nil
}

// VerifyIPHash accepts hashes from the current and the previous epoch.
func (h *IPHasher) VerifyIPHash(ip, hashStr string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false, ErrHasherStopped
	}
	if hmac.Equal([]byte(h.hashWithKey(ip, h.currentKey, h.currentEpoch)), []byte(hashStr)) {
		return true, nil
	}
	prev := h.hashWithKey(ip, h.previousKey, h.currentEpoch-1)
	return hmac.Equal([]byte(prev), []byte(hashStr)), nil
}

func (h *IPHasher) hashWithKey(ip string, key []byte, epoch int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("%d.%s", epoch, hex.EncodeToString(mac.Sum(nil)[:12]))
}

func (h *IPHasher) epochOf(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "mdbin-ip:%d", epoch)
	return mac.Sum(nil)
}

func (h *IPHasher) rotate(now time.Time) bool {
	epoch := h.epochOf(now)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentKey != nil && epoch == h.currentEpoch {
		return false
	}
	Wipe(h.previousKey)
	Wipe(h.currentKey)
	h.currentEpoch = epoch
	h.currentKey = h.deriveKey(epoch)
	h.previousKey = h.deriveKey(epoch - 1)
	return true
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case now := <-ticker.C:
			if h.rotate(now) {
				Debug().Int64("epoch", h.epochOf(now)).Msg("rotated IP hasher keys")
			}
		}
	}
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	Wipe(h.currentKey)
	Wipe(h.previousKey)
	Wipe(h.pepper)
	h.currentKey, h.previousKey, h.pepper = nil, nil, nil
}
