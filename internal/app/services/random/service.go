package random

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	domain "github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Service provides entropy for seeds and ephemeral coordinator keys.
type Service struct {
	log *logger.Logger
}

// New constructs a random service.
func New(log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("random")
	}
	return &Service{log: log}
}

// Generate returns cryptographically secure random bytes of the requested length.
func (s *Service) Generate(ctx context.Context, length int) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	if length <= 0 || length > 1024 {
		return domain.Result{}, fmt.Errorf("length must be between 1 and 1024")
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return domain.Result{}, fmt.Errorf("read randomness: %w", err)
	}

	s.log.Debugf("generated %d random bytes", length)
	return domain.Result{Value: buf, CreatedAt: time.Now().UTC()}, nil
}

// GenerateKey creates a fresh secp256r1 key for a coordinator that has no
// configured key.
func (s *Service) GenerateKey(ctx context.Context) (*keys.PrivateKey, error) {
	res, err := s.Generate(ctx, 32)
	if err != nil {
		return nil, err
	}
	key, err := keys.NewPrivateKeyFromBytes(res.Value)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	s.log.WithField("address", key.Address()).Warn("generated ephemeral coordinator key")
	return key, nil
}
