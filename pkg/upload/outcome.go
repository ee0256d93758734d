package upload

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/unijord/eventpipe/pkg/unitfs"
)

// Outcome classifies the result of one upload attempt.
type Outcome uint8

const (
	// Delivered: the intake accepted the batch.
	Delivered Outcome = iota + 1
	// ClientError: the intake rejected the batch permanently. Retrying the
	// same payload cannot succeed.
	ClientError
	// ServerError: the intake failed or throttled; the batch is retried.
	ServerError
	// NetworkError: the request did not complete; the batch is retried.
	NetworkError
	// ConditionsNotMet: no attempt was made.
	ConditionsNotMet
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case ClientError:
		return "client_error"
	case ServerError:
		return "server_error"
	case NetworkError:
		return "network_error"
	case ConditionsNotMet:
		return "conditions_not_met"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// deletesUnit reports whether the unit is consumed by the outcome.
func (o Outcome) deletesUnit() bool {
	return o == Delivered || o == ClientError
}

// Digest identifies the content of a candidate. It is stable across
// retries of the same unit.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Candidate is a claimed sealed unit ready to be sent.
type Candidate struct {
	UnitID    unitfs.UnitID
	CreatedAt time.Time
	// Events holds the event payloads in write order.
	Events [][]byte
	// Size is the number of payload bytes in Events.
	Size   int64
	Digest Digest
}

// Uploader sends a candidate to the intake and classifies the result.
// Upload is called from a single goroutine and must return once ctx is done.
type Uploader interface {
	Upload(ctx context.Context, candidate *Candidate) Outcome
}

// UploaderFunc adapts a function to act as an Uploader.
type UploaderFunc func(ctx context.Context, candidate *Candidate) Outcome

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, candidate *Candidate) Outcome {
	return f(ctx, candidate)
}
