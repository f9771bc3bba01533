package random

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// RequestID identifies a randomness request.
type RequestID = util.Uint256

// Status tracks the lifecycle of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
)

// Request is a randomness request issued by a consumer.
type Request struct {
	ID          RequestID
	KeyHash     util.Uint256
	Consumer    util.Uint160
	Seed        *uint256.Int
	Fee         *uint256.Int
	Status      Status
	Proof       []byte
	Output      *uint256.Int
	Error       string
	CreatedAt   time.Time
	FulfilledAt time.Time
}

// Clone returns a deep copy safe to hand out to callers.
func (r Request) Clone() Request {
	if r.Seed != nil {
		r.Seed = new(uint256.Int).Set(r.Seed)
	}
	if r.Fee != nil {
		r.Fee = new(uint256.Int).Set(r.Fee)
	}
	if r.Output != nil {
		r.Output = new(uint256.Int).Set(r.Output)
	}
	if r.Proof != nil {
		r.Proof = append([]byte(nil), r.Proof...)
	}
	return r
}

// Result represents a generated random value.
type Result struct {
	Value     []byte
	CreatedAt time.Time
}
