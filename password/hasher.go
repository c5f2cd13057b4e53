package password

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/bcrypt"
)

// BcryptHasher digests the password and bcrypts the digest. Stacking a
// digest under bcrypt keeps long passwords out of bcrypt's 72-byte input
// limit and lets client-hashing deployments keep the raw password off the
// wire.
type BcryptHasher struct {
	cost   int
	digest func() hash.Hash
}

// NewBcryptHasher uses sha256 as the digest. A cost of 0 falls back to
// bcrypt's default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost, digest: sha256.New}
}

// SetDigest replaces the pre-bcrypt digest algorithm.
func (h *BcryptHasher) SetDigest(digest func() hash.Hash) {
	h.digest = digest
}

func (h *BcryptHasher) sum(password string) []byte {
	d := h.digest()
	d.Write([]byte(password))
	return []byte(hex.EncodeToString(d.Sum(nil)))
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword(h.sum(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	return string(hashed), nil
}

func (h *BcryptHasher) Compare(password, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), h.sum(password)) == nil
}
