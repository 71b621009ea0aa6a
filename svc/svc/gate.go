package svc

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/pkg/kms"
	"mdbin/svc/auth"
	"mdbin/svc/util"
)

// seal encrypts content under a fresh key and returns the stored form of the
// ciphertext, the view password digest, and the encryption record holding
// the KMS-wrapped key.
func (p *Paste) seal(ctx context.Context, url, content, viewPassword string) (string, string, *domain.EncryptionInfo, error) {
	vph, err := p.hasher.Hash(ctx, viewPassword)
	if err != nil {
		return "", "", nil, errors.Wrap(err, "hash view password")
	}
	sealed, err := auth.Encrypt(content, nil)
	if err != nil {
		return "", "", nil, errors.Wrap(err, "encrypt content")
	}
	defer util.Wipe(sealed.Key)
	wrapped, err := p.kmsAdapter.WrapKey(ctx, sealed.Key, kms.PasteContext(url))
	if err != nil {
		return "", "", nil, errors.Wrap(err, "wrap content key")
	}
	return base64.StdEncoding.EncodeToString(sealed.Ciphertext), vph, &domain.EncryptionInfo{
		CustomURL:        url,
		ViewPasswordHash: vph,
		WrappedKey:       wrapped,
		IV:               sealed.IV,
		Auth:             sealed.Auth,
	}, nil
}

// GetDecrypted returns the plaintext of a private paste. Any failure yields
// ok=false, indistinguishable from a public or missing paste.
func (p *Paste) GetDecrypted(ctx context.Context, url, viewPassword string) (string, bool) {
	plaintext, err := p.decrypt(ctx, CanonicalURL(url), viewPassword)
	if err != nil {
		metrics.GateDecryptions.WithLabelValues("absent").Inc()
		util.Debug().Err(err).Msg("decryption gate refused")
		return "", false
	}
	metrics.GateDecryptions.WithLabelValues("ok").Inc()
	content, _ := domain.SplitLegacyMetadata(plaintext)
	return content, true
}

var errGateClosed = errors.New("gate closed")

func (p *Paste) decrypt(ctx context.Context, url, viewPassword string) (string, error) {
	paste, err := p.load(ctx, url)
	if err != nil {
		return "", err
	}
	if paste.ViewPassword == "" || viewPassword == "" {
		return "", errGateClosed
	}
	vph, err := p.hasher.Hash(ctx, viewPassword)
	if err != nil {
		return "", err
	}
	rec, err := p.db.GetEncryption(ctx, vph, url)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", errGateClosed
	}
	key, err := p.keyCache.Unwrap(ctx, rec.WrappedKey, url)
	if err != nil {
		return "", err
	}
	defer util.Wipe(key)
	ciphertext, err := base64.StdEncoding.DecodeString(paste.Content)
	if err != nil {
		return "", err
	}
	return auth.Decrypt(ciphertext, key, rec.IV, rec.Auth)
}

// Decrypt wraps GetDecrypted as a Result for the API.
func (p *Paste) Decrypt(ctx context.Context, url, viewPassword string) *domain.Result {
	content, ok := p.GetDecrypted(ctx, url, viewPassword)
	if !ok {
		return domain.Fail(domain.ReasonInvalidViewPassword)
	}
	return domain.OK("", map[string]string{"CustomURL": CanonicalURL(url), "Content": content})
}
