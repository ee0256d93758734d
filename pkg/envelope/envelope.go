// Package envelope frames events as they are stored in units: the encoded
// event, optional metadata kept only on disk, and the submit time.
package envelope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	eventfb "github.com/unijord/eventpipe/pkg/gen/go/fb/event"
)

var ErrMalformed = errors.New("malformed event envelope")

const (
	oneKB = 1024
	oneMB = oneKB * 1024

	// root offset + vtable offset.
	minEnvelopeSize = 8
)

// Record is a decoded envelope. Data and Metadata alias the decoded buffer.
type Record struct {
	Data      []byte
	Metadata  []byte
	CreatedAt time.Time
}

// Codec builds and parses envelopes. A Codec is safe for concurrent use;
// builders are pooled.
type Codec struct {
	pool sync.Pool
}

// NewCodec creates a new envelope codec.
func NewCodec() *Codec {
	return &Codec{
		pool: sync.Pool{
			New: func() interface{} {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
	}
}

func (c *Codec) getBuilder() *flatbuffers.Builder {
	return c.pool.Get().(*flatbuffers.Builder)
}

func (c *Codec) putBuilder(b *flatbuffers.Builder) {
	// oversized builders are left to the GC.
	if cap(b.Bytes) > oneMB {
		return
	}
	b.Reset()
	c.pool.Put(b)
}

// Encode returns the envelope of data and metadata, stamped with createdAt.
// The returned slice is owned by the caller.
func (c *Codec) Encode(data, metadata []byte, createdAt time.Time) []byte {
	builder := c.getBuilder()
	defer c.putBuilder(builder)

	var metadataOffset flatbuffers.UOffsetT
	if len(metadata) > 0 {
		metadataOffset = builder.CreateByteVector(metadata)
	}
	dataOffset := builder.CreateByteVector(data)

	eventfb.EnvelopeStart(builder)
	eventfb.EnvelopeAddData(builder, dataOffset)
	if len(metadata) > 0 {
		eventfb.EnvelopeAddMetadata(builder, metadataOffset)
	}
	eventfb.EnvelopeAddCreatedAt(builder, createdAt.UnixNano())
	env := eventfb.EnvelopeEnd(builder)

	eventfb.FinishEnvelopeBuffer(builder, env)
	finished := builder.FinishedBytes()
	result := make([]byte, len(finished))
	copy(result, finished)
	return result
}

// Decode parses an envelope produced by Encode.
func Decode(buf []byte) (rec Record, err error) {
	if len(buf) < minEnvelopeSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(buf))
	}
	// the flatbuffers accessors index without bounds checks of their own.
	defer func() {
		if r := recover(); r != nil {
			rec = Record{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	env := eventfb.GetRootAsEnvelope(buf, 0)
	rec = Record{
		Data:      env.DataBytes(),
		Metadata:  env.MetadataBytes(),
		CreatedAt: time.Unix(0, env.CreatedAt()),
	}
	return rec, nil
}
