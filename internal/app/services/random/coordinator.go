package random

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"golang.org/x/crypto/sha3"

	domain "github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	"github.com/R3E-Network/lottery_layer/internal/app/system"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

var (
	ErrUnknownKeyHash      = errors.New("unknown key hash")
	ErrInsufficientFunding = errors.New("insufficient funding for randomness fee")
	ErrFeeTooLow           = errors.New("randomness fee below coordinator minimum")
	ErrUnknownRequest      = errors.New("unknown randomness request")
	ErrAlreadyFulfilled    = errors.New("randomness request already fulfilled")
	ErrNoConsumer          = errors.New("consumer not registered")
	ErrInvalidProof        = errors.New("invalid randomness proof")
)

const defaultQueueSize = 64

// Consumer receives randomness for requests it issued. caller is the
// coordinator's identity.
type Consumer interface {
	FulfillRandomness(ctx context.Context, caller util.Uint160, requestID domain.RequestID, value *uint256.Int) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, caller util.Uint160, requestID domain.RequestID, value *uint256.Int) error

func (f ConsumerFunc) FulfillRandomness(ctx context.Context, caller util.Uint160, requestID domain.RequestID, value *uint256.Int) error {
	return f(ctx, caller, requestID, value)
}

var _ system.Service = (*Coordinator)(nil)

// Coordinator accepts randomness requests, charges the request fee in the
// fee token and answers each request with a verifiable output derived from
// its key.
type Coordinator struct {
	key     *keys.PrivateKey
	keyHash util.Uint256
	address util.Uint160
	fee     *uint256.Int
	bank    *gasbank.Ledger
	log     *logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	nonce     uint64
	requests  map[domain.RequestID]*domain.Request
	order     []domain.RequestID
	consumers map[util.Uint160]Consumer

	queue   chan domain.RequestID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewCoordinator builds a coordinator around key. fee may be nil for free
// requests.
func NewCoordinator(key *keys.PrivateKey, fee *uint256.Int, bank *gasbank.Ledger, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("vrf-coordinator")
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	return &Coordinator{
		key:       key,
		keyHash:   KeyHash(key.PublicKey()),
		address:   key.GetScriptHash(),
		fee:       new(uint256.Int).Set(fee),
		bank:      bank,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		requests:  make(map[domain.RequestID]*domain.Request),
		consumers: make(map[util.Uint160]Consumer),
		queue:     make(chan domain.RequestID, defaultQueueSize),
	}
}

// KeyHash identifies a coordinator key: sha256 of the compressed public key.
func KeyHash(pub *keys.PublicKey) util.Uint256 {
	return hash.Sha256(pub.Bytes())
}

// WithClock overrides the timestamp source.
func (c *Coordinator) WithClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Address is the identity the coordinator presents to consumers.
func (c *Coordinator) Address() util.Uint160 { return c.address }

// KeyHash returns the hash of the coordinator's public key.
func (c *Coordinator) KeyHash() util.Uint256 { return c.keyHash }

// Fee returns the minimum per-request fee.
func (c *Coordinator) Fee() *uint256.Int { return new(uint256.Int).Set(c.fee) }

// PublicKey returns the verification key.
func (c *Coordinator) PublicKey() *keys.PublicKey { return c.key.PublicKey() }

// RegisterConsumer binds a callback to a consumer address.
func (c *Coordinator) RegisterConsumer(addr util.Uint160, consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[addr] = consumer
}

// RequestRandomness charges fee from consumer and queues a request. It
// returns as soon as the request is recorded.
func (c *Coordinator) RequestRandomness(ctx context.Context, consumer util.Uint160, keyHash util.Uint256, fee *uint256.Int, seed *uint256.Int) (domain.RequestID, error) {
	if !keyHash.Equals(c.keyHash) {
		return domain.RequestID{}, fmt.Errorf("%w: %s", ErrUnknownKeyHash, keyHash.StringLE())
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	if fee.Lt(c.fee) {
		return domain.RequestID{}, fmt.Errorf("%w: %s < %s", ErrFeeTooLow, fee.Dec(), c.fee.Dec())
	}
	if seed == nil {
		seed = new(uint256.Int)
	}

	if !fee.IsZero() {
		if c.bank == nil {
			return domain.RequestID{}, fmt.Errorf("%w: no ledger configured", ErrInsufficientFunding)
		}
		if err := c.bank.Transfer(ctx, gasbank.AssetFeeToken, consumer, c.address, fee); err != nil {
			if errors.Is(err, gasbank.ErrInsufficientBalance) {
				return domain.RequestID{}, fmt.Errorf("%w: %v", ErrInsufficientFunding, err)
			}
			return domain.RequestID{}, fmt.Errorf("charge fee: %w", err)
		}
	}

	c.mu.Lock()
	id := requestID(c.keyHash, seed, c.nonce)
	c.nonce++
	req := &domain.Request{
		ID:        id,
		KeyHash:   c.keyHash,
		Consumer:  consumer,
		Seed:      new(uint256.Int).Set(seed),
		Fee:       new(uint256.Int).Set(fee),
		Status:    domain.StatusPending,
		CreatedAt: c.now(),
	}
	c.requests[id] = req
	c.order = append(c.order, id)
	c.mu.Unlock()

	select {
	case c.queue <- id:
	default:
		c.log.WithField("request_id", id.StringLE()).Warn("fulfiller queue full; request left pending")
	}

	c.log.WithField("request_id", id.StringLE()).
		WithField("consumer", consumer.StringLE()).
		Info("randomness requested")
	return id, nil
}

// Request returns a copy of a recorded request.
func (c *Coordinator) Request(id domain.RequestID) (domain.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return domain.Request{}, false
	}
	return req.Clone(), true
}

// Pending lists requests not yet fulfilled, oldest first.
func (c *Coordinator) Pending() []domain.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Request
	for _, id := range c.order {
		if req := c.requests[id]; req.Status == domain.StatusPending {
			out = append(out, req.Clone())
		}
	}
	return out
}

// CallBackWithRandomness delivers a chosen value for a request, bypassing
// proof generation. A request whose consumer rejected an earlier delivery
// may be delivered again.
func (c *Coordinator) CallBackWithRandomness(ctx context.Context, id domain.RequestID, value *uint256.Int) error {
	return c.deliver(ctx, id, value, nil, false)
}

// FulfillWithProof delivers the output of an externally produced proof.
// The proof must be the coordinator key's signature over the request's
// SigningDigest; the delivered value is derived from it, so a caller cannot
// choose the randomness.
func (c *Coordinator) FulfillWithProof(ctx context.Context, id domain.RequestID, proof []byte) (domain.Request, error) {
	req, ok := c.Request(id)
	if !ok {
		return domain.Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id.StringLE())
	}
	if err := c.verifySignature(req, proof); err != nil {
		c.log.WithField("request_id", id.StringLE()).Warn("rejected randomness proof")
		return domain.Request{}, err
	}
	if err := c.deliver(ctx, id, outputFromProof(proof), proof, false); err != nil {
		return domain.Request{}, err
	}
	req, _ = c.Request(id)
	return req, nil
}

// SigningDigest is the hash the coordinator key signs to prove req.
func SigningDigest(req domain.Request) util.Uint256 {
	return proofDigest(req.KeyHash, req.Seed, req.ID)
}

// VerifyProof checks that req carries a valid proof and output for this
// coordinator's key.
func (c *Coordinator) VerifyProof(req domain.Request) error {
	if req.Output == nil {
		return fmt.Errorf("%w: missing output", ErrInvalidProof)
	}
	if err := c.verifySignature(req, req.Proof); err != nil {
		return err
	}
	if !outputFromProof(req.Proof).Eq(req.Output) {
		return fmt.Errorf("%w: output mismatch", ErrInvalidProof)
	}
	return nil
}

func (c *Coordinator) verifySignature(req domain.Request, proof []byte) error {
	if len(proof) == 0 {
		return fmt.Errorf("%w: missing proof", ErrInvalidProof)
	}
	digest := proofDigest(req.KeyHash, req.Seed, req.ID)
	if !c.key.PublicKey().Verify(proof, digest.BytesBE()) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidProof)
	}
	return nil
}

func (c *Coordinator) Name() string { return "vrf-coordinator" }

// Start launches the fulfiller goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runFulfiller(runCtx)
	}()
	c.log.Info("vrf coordinator started")
	return nil
}

// Stop halts the fulfiller and waits for an in-flight delivery to finish.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("vrf coordinator stopped")
	return nil
}

func (c *Coordinator) runFulfiller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-c.queue:
			c.fulfillRequest(ctx, id)
		}
	}
}

func (c *Coordinator) fulfillRequest(ctx context.Context, id domain.RequestID) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok || req.Status != domain.StatusPending {
		c.mu.Unlock()
		return
	}
	digest := proofDigest(req.KeyHash, req.Seed, req.ID)
	c.mu.Unlock()

	proof := c.key.SignHash(digest)
	output := outputFromProof(proof)
	if err := c.deliver(ctx, id, output, proof, true); err != nil {
		c.log.WithError(err).WithField("request_id", id.StringLE()).Warn("randomness delivery failed")
	}
}

func (c *Coordinator) deliver(ctx context.Context, id domain.RequestID, value *uint256.Int, proof []byte, failOnError bool) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id.StringLE())
	}
	if req.Status == domain.StatusFulfilled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyFulfilled, id.StringLE())
	}
	consumer := c.consumers[req.Consumer]
	c.mu.Unlock()

	if consumer == nil {
		c.markFailed(id, ErrNoConsumer.Error(), failOnError)
		return fmt.Errorf("%w: %s", ErrNoConsumer, req.Consumer.StringLE())
	}

	if value == nil {
		value = new(uint256.Int)
	}
	if err := consumer.FulfillRandomness(ctx, c.address, id, new(uint256.Int).Set(value)); err != nil {
		c.markFailed(id, err.Error(), failOnError)
		return fmt.Errorf("consumer callback: %w", err)
	}

	c.mu.Lock()
	req.Status = domain.StatusFulfilled
	req.Output = new(uint256.Int).Set(value)
	req.Proof = proof
	req.Error = ""
	req.FulfilledAt = c.now()
	c.mu.Unlock()

	c.log.WithField("request_id", id.StringLE()).Info("randomness fulfilled")
	return nil
}

func (c *Coordinator) markFailed(id domain.RequestID, msg string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok || req.Status == domain.StatusFulfilled {
		return
	}
	req.Error = msg
	if fail {
		req.Status = domain.StatusFailed
	}
}

// requestID derives keccak256(keyHash || seed || nonce).
func requestID(keyHash util.Uint256, seed *uint256.Int, nonce uint64) domain.RequestID {
	seedBytes := seed.Bytes32()
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)

	h := sha3.NewLegacyKeccak256()
	h.Write(keyHash.BytesBE())
	h.Write(seedBytes[:])
	h.Write(nonceBytes[:])
	id, _ := util.Uint256DecodeBytesBE(h.Sum(nil))
	return id
}

func proofDigest(keyHash util.Uint256, seed *uint256.Int, id domain.RequestID) util.Uint256 {
	if seed == nil {
		seed = new(uint256.Int)
	}
	seedBytes := seed.Bytes32()
	var buf bytes.Buffer
	buf.Write(keyHash.BytesBE())
	buf.Write(seedBytes[:])
	buf.Write(id.BytesBE())
	return hash.Sha256(buf.Bytes())
}

func outputFromProof(proof []byte) *uint256.Int {
	digest := hash.Sha256(proof)
	return new(uint256.Int).SetBytes(digest.BytesBE())
}
