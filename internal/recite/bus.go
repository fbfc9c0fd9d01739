package recite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-recite/internal/bus"
	"github.com/loqalabs/loqa-recite/internal/protocol"
	"github.com/nats-io/nats.go"
)

const queueGroup = "recite"

var errShuttingDown = &protocol.ErrorBody{Kind: "canceled", Message: "service shutting down"}

// BusService answers submit requests arriving over NATS request/reply.
type BusService struct {
	svc    *Service
	bus    *bus.Client
	log    *slog.Logger
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool

	mu     sync.Mutex
	closed bool
}

func NewBusService(parent context.Context, svc *Service, busClient *bus.Client, logger *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		svc:    svc,
		bus:    busClient,
		log:    logger.With(slog.String("component", "recite-bus")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *BusService) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectReferenceSubmit: b.handleReference,
		protocol.SubjectAudioSubmit:     b.handleAudio,
	}
	for subject, handler := range handlers {
		sub, err := b.bus.Conn().QueueSubscribe(subject, queueGroup, handler)
		if err != nil {
			b.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.ready.Store(true)
	return nil
}

// Close stops accepting requests and waits for in-flight ones to finish.
func (b *BusService) Close() {
	b.ready.Store(false)
	b.unsubscribe()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// track registers an in-flight request unless the service is closing.
func (b *BusService) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *BusService) Healthy() bool {
	return b.ready.Load() && b.bus.Healthy()
}

func (b *BusService) unsubscribe() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *BusService) handleReference(msg *nats.Msg) {
	var req protocol.SubmitReferenceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn("failed to decode reference request", slogError(err))
		b.respond(msg, protocol.SubmitReferenceReply{Error: errorBody(fmt.Errorf("%w: %v", ErrInvalidInput, err))})
		return
	}
	if !b.track() {
		b.respond(msg, protocol.SubmitReferenceReply{Error: errShuttingDown})
		return
	}
	go func() {
		defer b.wg.Done()
		doc, err := b.svc.SubmitReference(b.ctx, ReferenceInput{OwnerID: req.UserID, Text: req.Text, PDF: req.PDF})
		if err != nil {
			b.respond(msg, protocol.SubmitReferenceReply{Error: errorBody(err)})
			return
		}
		b.respond(msg, protocol.SubmitReferenceReply{PDFID: doc.ID, Errors: doc.Errors})
	}()
}

func (b *BusService) handleAudio(msg *nats.Msg) {
	var req protocol.SubmitAudioRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn("failed to decode audio request", slogError(err))
		b.respond(msg, protocol.SubmitAudioReply{Error: errorBody(fmt.Errorf("%w: %v", ErrInvalidInput, err))})
		return
	}
	if !b.track() {
		b.respond(msg, protocol.SubmitAudioReply{Error: errShuttingDown})
		return
	}
	go func() {
		defer b.wg.Done()
		rec, err := b.svc.SubmitAudio(b.ctx, AudioInput{
			DocumentID: req.PDFID,
			UploaderID: req.UploaderID,
			Filename:   req.Filename,
			Audio:      req.Audio,
		})
		if err != nil {
			b.respond(msg, protocol.SubmitAudioReply{Error: errorBody(err)})
			return
		}
		b.respond(msg, protocol.SubmitAudioReply{Verification: verification(rec)})
	}()
}

func (b *BusService) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("failed to send reply", slogError(err))
	}
}

func errorBody(err error) *protocol.ErrorBody {
	return &protocol.ErrorBody{Kind: errorKind(err), Message: err.Error()}
}

// busPublisher broadcasts completion events on the bus.
type busPublisher struct {
	bus *bus.Client
}

func NewBusPublisher(client *bus.Client) Publisher {
	return &busPublisher{bus: client}
}

func (p *busPublisher) PublishCompleted(_ context.Context, evt protocol.RecordingCompleted) error {
	return p.bus.PublishJSON(protocol.SubjectRecordingCompleted, evt)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
