package bridge

import (
	"context"
	"encoding/json"

	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/streaming"
	"github.com/nerdjs/sandboxd/internal/wire"
)

// Stream frames address a handle by its id carried in CorrelationID rather
// than a pending call id; a handle has no single "response", only an
// ongoing flow of pushes (spec §4.6).

type streamPullPayload struct {
	N int `json:"n"`
}

type streamChunkPayload struct {
	Data  []byte        `json:"data,omitempty"`
	End   bool          `json:"end,omitempty"`
	Error *errs.Sandbox `json:"error,omitempty"`
}

type streamCancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// handleStreamPull answers a consumer's demand signal by pulling up to n
// buffered/produced chunks off the handle and relaying them back as
// streamPush/streamEnd/streamError frames (spec §4.6 pull-based protocol).
func (s *Session) handleStreamPull(f *wire.Frame) {
	h, ok := s.streams.Lookup(f.CorrelationID)
	if !ok {
		s.sendStreamError(f.CorrelationID, errs.Protocol("unknown stream handle"))
		return
	}

	var p streamPullPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.N <= 0 {
		p.N = 1
	}

	chunks, err := h.Pull(context.Background(), p.N)
	if err != nil {
		s.sendStreamError(f.CorrelationID, err)
		return
	}
	for _, c := range chunks {
		s.sendChunk(f.CorrelationID, c)
	}
}

// handleStreamData applies an inbound push/end/error to the addressed
// handle; used when the remote peer is the producer (e.g. a streamed
// request body) and this daemon is the consumer.
func (s *Session) handleStreamData(f *wire.Frame) {
	h, ok := s.streams.Lookup(f.CorrelationID)
	if !ok {
		return
	}

	var p streamChunkPayload
	_ = json.Unmarshal(f.Payload, &p)

	switch f.Kind {
	case wire.KindStreamPush:
		h.Push(streaming.Chunk{Data: p.Data})
	case wire.KindStreamEnd:
		h.Push(streaming.Chunk{End: true})
	case wire.KindStreamError:
		errKind := errs.KindInternal
		if p.Error != nil {
			errKind = p.Error.Kind
		}
		msg := "stream error"
		if p.Error != nil {
			msg = p.Error.Message
		}
		h.Push(streaming.Chunk{Err: errs.New(errKind, "", msg)})
	}
}

// handleStreamCancel releases a reader and stops further chunks from
// surfacing (spec §4.6 "Cancel always succeeds once invoked through the
// reader side").
func (s *Session) handleStreamCancel(f *wire.Frame) {
	h, ok := s.streams.Lookup(f.CorrelationID)
	if !ok {
		return
	}
	var p streamCancelPayload
	_ = json.Unmarshal(f.Payload, &p)
	h.Cancel(p.Reason)
}

func (s *Session) sendChunk(handleID uint64, c streaming.Chunk) {
	kind := wire.KindStreamPush
	payload := streamChunkPayload{Data: c.Data}
	if c.End {
		kind = wire.KindStreamEnd
		payload = streamChunkPayload{End: true}
	} else if c.Err != nil {
		kind = wire.KindStreamError
		payload = streamChunkPayload{Error: c.Err}
	}
	data, _ := json.Marshal(payload)
	s.send(&wire.Frame{Kind: kind, CorrelationID: handleID, Payload: data})
}

func (s *Session) sendStreamError(handleID uint64, err error) {
	sb := errs.Wrap(errs.KindInternal, err)
	data, _ := json.Marshal(streamChunkPayload{Error: sb})
	s.send(&wire.Frame{Kind: wire.KindStreamError, CorrelationID: handleID, Payload: data})
}
