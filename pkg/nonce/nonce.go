// Package nonce issues single-use replay nonces for the ingestion upload
// flow. An upload callback must redeem the nonce it was issued; a replayed
// callback fails the redeem and is rejected.
package nonce

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

type Service interface {
	Get() (string, error)
	Redeem(nonceStr string) error
}

type hashicorpService struct {
	inner nonceutil.NonceService
}

// NewService returns a nonce service backed by an in-memory store.
func NewService() (Service, error) {
	inner := nonceutil.NewNonceService()
	if err := inner.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize nonce service: %w", err)
	}
	return &hashicorpService{inner}, nil
}

func (s *hashicorpService) Get() (string, error) {
	nonceStr, _, err := s.inner.Get()
	if err != nil {
		return "", err
	}
	return nonceStr, nil
}

func (s *hashicorpService) Redeem(nonceStr string) error {
	if ok := s.inner.Redeem(nonceStr); !ok {
		return fmt.Errorf("nonce %s not found or already used", nonceStr)
	}
	return nil
}
