package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forgeflow.dev/sessiond/common/id"
	"forgeflow.dev/sessiond/common/logger"
	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/internal/executor"
	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/model"
	"forgeflow.dev/sessiond/internal/notify"
	"forgeflow.dev/sessiond/internal/queue"
	"forgeflow.dev/sessiond/internal/store"
)

// Consumer is the slice of the event stream the scheduler needs. Messages a
// debounce window swallows stay unacknowledged until the window settles
// durably, so a crash mid-window leaves them pending for reclaim.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
	MaxAttempts() int
}

// Snapshot is a point-in-time read of scheduler state for the admin surface.
type Snapshot struct {
	Tickets       []model.Ticket `json:"tickets"`
	QueueOrder    []int64        `json:"queue_order"`
	ActiveGlobal  int            `json:"active_global"`
	GlobalLimit   int            `json:"global_limit"`
	PerRepoLimit  int            `json:"per_repo_limit"`
	ActivePerRepo map[string]int `json:"active_per_repo"`
}

// Scheduler owns every ticket and serializes all mutations behind one mutex.
// Each mutation is appended to the durable log before it is applied; a failed
// append refuses the mutation entirely.
type Scheduler struct {
	cfg      config.SchedulerConfig
	wal      store.WAL
	notifier notify.Notifier
	metrics  *metrics.Metrics
	consumer Consumer

	mu        sync.Mutex
	gateway   executor.Gateway
	queue     *PriorityQueue
	admission *AdmissionController
	debouncer *Debouncer
	tickets   map[int64]*model.Ticket
	byKey     map[model.SessionKey]*model.Ticket
	handles   map[int64]executor.Handle

	// now and newID are injectable for tests.
	now   func() time.Time
	newID func() int64

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

func New(cfg config.SchedulerConfig, wal store.WAL, notifier notify.Notifier, consumer Consumer, m *metrics.Metrics) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		wal:       wal,
		notifier:  notifier,
		metrics:   m,
		consumer:  consumer,
		queue:     NewPriorityQueue(cfg.PriorityWeights, cfg.PriorityMaxWait),
		admission: NewAdmissionController(cfg.GlobalConcurrencyLimit, cfg.PerRepoConcurrencyLimit),
		tickets:   make(map[int64]*model.Ticket),
		byKey:     make(map[model.SessionKey]*model.Ticket),
		handles:   make(map[int64]executor.Handle),
		now:       time.Now,
		newID:     id.New,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	s.debouncer = NewDebouncer(cfg.DebounceWindow, s.onSettle)
	return s
}

// SetGateway wires the executor gateway. The gateway needs the scheduler as
// its Reporter, so the two are connected after construction.
func (s *Scheduler) SetGateway(g executor.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = g
}

// Recover replays the durable log and reconstructs scheduler state. Queued
// tickets re-enter the priority queue; tickets that held an executor handle
// are reattached, or failed deterministically when the handle is gone.
func (s *Scheduler) Recover(ctx context.Context) error {
	tickets, err := store.RebuildState(ctx, s.wal)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tickets {
		s.tickets[t.ID] = t
		if !t.State.Terminal() {
			s.byKey[t.Key] = t
		}

		switch {
		case t.State == model.StateQueued:
			s.queue.Push(t)
		case t.State.OccupiesSlot():
			if err := s.admission.Acquire(t.ID, t.Key.Repo); err != nil {
				return fmt.Errorf("reacquiring slot for ticket %d: %w", t.ID, err)
			}
			h, rerr := s.gateway.Reattach(t.ExecHandle)
			if rerr != nil {
				slog.WarnContext(ctx, "orphaned session after restart",
					"ticket_id", t.ID, "state", t.State, "error", rerr)
				if err := s.transitionLocked(ctx, t, model.StateFailed, "executor handle lost at restart", t.Attempt); err != nil {
					return err
				}
				if err := s.finishLocked(ctx, t); err != nil {
					return err
				}
				continue
			}
			s.handles[t.ID] = h
		}
	}

	s.admitLocked(ctx)
	slog.InfoContext(ctx, "recovered scheduler state",
		"tickets", len(s.tickets), "queued", s.queue.Len(), "active", s.admission.ActiveGlobal())
	return nil
}

// Run consumes the event stream and drives tick-based housekeeping until the
// context is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stoppedCh)

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "scheduler started",
		"global_limit", s.cfg.GlobalConcurrencyLimit, "per_repo_limit", s.cfg.PerRepoConcurrencyLimit)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		default:
			s.consumeOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stoppedCh
}

func (s *Scheduler) consumeOnce(ctx context.Context) {
	msgs, err := s.consumer.Read(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reading event stream", "error", err)
		time.Sleep(time.Second)
		return
	}

	for _, msg := range msgs {
		span := logger.StartSpanFromTraceID(ctx, msg.TraceID, "sched.process_event")
		msgCtx := logger.WithLogFields(span.Context(), logger.LogFields{
			DeliveryID: logger.Str(msg.Event.DeliveryID),
			Repo:       logger.Str(msg.Event.Key.Repo),
			Issue:      logger.Str(msg.Event.Key.Issue),
			EventKind:  logger.Str(string(msg.Event.Kind)),
			Component:  "sessiond.sched",
		})

		ackNow, perr := s.safeProcess(msgCtx, msg)
		if perr != nil {
			span.RecordError(perr)
			s.handleFailedMessage(msgCtx, msg, perr)
		} else if ackNow {
			if aerr := s.consumer.Ack(msgCtx, msg); aerr != nil {
				slog.ErrorContext(msgCtx, "acking message", "message_id", msg.ID, "error", aerr)
			}
		}
		span.End()
	}
}

func (s *Scheduler) handleFailedMessage(ctx context.Context, msg queue.Message, perr error) {
	slog.ErrorContext(ctx, "processing event failed",
		"message_id", msg.ID, "attempt", msg.Attempt, "error", perr)

	if msg.Attempt >= s.consumer.MaxAttempts() {
		if err := s.consumer.SendDLQ(ctx, msg, perr.Error()); err != nil {
			slog.ErrorContext(ctx, "dead-lettering message", "message_id", msg.ID, "error", err)
		}
		return
	}
	if err := s.consumer.Requeue(ctx, msg, perr.Error()); err != nil {
		slog.ErrorContext(ctx, "requeuing message", "message_id", msg.ID, "error", err)
	}
}

// safeProcess converts a processing panic into an error so one poisoned
// message takes the requeue/DLQ path instead of the whole loop.
func (s *Scheduler) safeProcess(ctx context.Context, msg queue.Message) (ackNow bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message %s: %v", msg.ID, r)
		}
	}()
	return s.ProcessMessage(ctx, msg)
}

// ProcessMessage routes one normalized event. The returned bool tells the
// caller whether to acknowledge now; debounced events are acknowledged later,
// when their window settles.
func (s *Scheduler) ProcessMessage(ctx context.Context, msg queue.Message) (bool, error) {
	event := msg.Event

	if event.Kind == model.EventKindControlCommand {
		return true, s.Halt(ctx, event)
	}

	if !event.IsHumanOriginated {
		slog.DebugContext(ctx, "ignoring automation-originated event", "actor", event.Actor)
		return true, nil
	}

	// A human reply to a session waiting on input resumes it directly; making
	// it wait out a debounce window would only delay the answer.
	if isCommentKind(event.Kind) && event.Body != "" {
		s.mu.Lock()
		t := s.byKey[event.Key]
		if t != nil && t.State == model.StateAwaitingInput {
			err := s.resumeLocked(ctx, t, event.Body)
			s.mu.Unlock()
			return true, err
		}
		s.mu.Unlock()
	}

	if event.Critical() {
		w := SettledWindow{
			Key: event.Key,
			Metadata: model.Metadata{
				EventKind:  event.Kind,
				Body:       event.Body,
				Actor:      event.Actor,
				Labels:     append([]string(nil), event.Labels...),
				EventCount: 1,
			},
			PriorityHint: event.PriorityHint,
			LastEventAt:  event.ReceivedAt,
			EventCount:   1,
		}
		return true, s.settle(ctx, w)
	}

	s.debouncer.Observe(event, msg.ID)
	return false, nil
}

// Processor adapts ProcessMessage for the stream reclaimer, which hands over
// reclaimed messages one at a time.
func (s *Scheduler) Processor() queue.MessageProcessor {
	return func(ctx context.Context, msg queue.Message) error {
		ackNow, err := s.safeProcess(ctx, msg)
		if err != nil {
			return err
		}
		if ackNow {
			return s.consumer.Ack(ctx, msg)
		}
		return nil
	}
}

func isCommentKind(kind model.EventKind) bool {
	switch kind {
	case model.EventKindCommentCreated, model.EventKindCommentEdited,
		model.EventKindReviewSubmitted, model.EventKindReviewComment:
		return true
	}
	return false
}

// onSettle is the debouncer callback. Settle errors leave the window's stream
// messages unacknowledged so the reclaimer redelivers them.
func (s *Scheduler) onSettle(w SettledWindow) {
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		Repo:      logger.Str(w.Key.Repo),
		Issue:     logger.Str(w.Key.Issue),
		Component: "sessiond.sched",
	})

	if err := s.settle(ctx, w); err != nil {
		slog.ErrorContext(ctx, "applying settled window", "error", err, "events", w.EventCount)
		return
	}

	for _, msgID := range w.MessageIDs {
		if err := s.consumer.Ack(ctx, queue.Message{ID: msgID}); err != nil {
			slog.ErrorContext(ctx, "acking settled message", "message_id", msgID, "error", err)
		}
	}
}

// settle applies one settled burst of events: it updates the existing ticket
// for the key, resumes a waiting session, reopens a halted one, or creates a
// new ticket. Settling is idempotent per key, which makes redelivery safe.
func (s *Scheduler) settle(ctx context.Context, w SettledWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.metrics.DebounceSettled.Inc()

	if t := s.byKey[w.Key]; t != nil && !t.State.Terminal() {
		if t.HaltRequested {
			slog.InfoContext(ctx, "discarding settled events, halt pending", "ticket_id", t.ID)
			return nil
		}
		return s.applySettleLocked(ctx, t, w, now)
	}

	// A halted ticket pins its key: new events are discarded until an
	// explicit reopen, which returns that ticket to the queue instead of
	// minting a new one.
	if ht := s.latestHaltedLocked(w.Key); ht != nil {
		if w.Metadata.EventKind != model.EventKindIssueReopened {
			slog.InfoContext(ctx, "discarding events for halted session",
				"ticket_id", ht.ID, "events", w.EventCount)
			return nil
		}
		if err := s.transitionLocked(ctx, ht, model.StateQueued, "reopened by "+w.Metadata.Actor, 0); err != nil {
			return err
		}
		ht.HaltRequested = false
		s.byKey[ht.Key] = ht
		s.queue.Push(ht)
		s.admitLocked(ctx)
		return nil
	}

	t := &model.Ticket{
		ID:             s.newID(),
		Key:            w.Key,
		Priority:       w.PriorityHint,
		State:          model.StateQueued,
		Metadata:       w.Metadata,
		EnqueuedAt:     now,
		LastEventAt:    w.LastEventAt,
		StateChangedAt: now,
		WaitedSince:    now,
	}
	if !t.Priority.Valid() {
		t.Priority = model.PriorityNormal
	}

	if err := s.wal.Append(ctx, store.Record{Kind: store.RecordTicketCreated, At: now, Ticket: t}); err != nil {
		return fmt.Errorf("logging ticket creation: %w", err)
	}

	s.tickets[t.ID] = t
	s.byKey[t.Key] = t
	s.queue.Push(t)
	s.metrics.StateTransitions.WithLabelValues(string(model.StateQueued)).Inc()
	slog.InfoContext(ctx, "ticket created",
		"ticket_id", t.ID, "priority", t.Priority, "events", w.EventCount)

	s.admitLocked(ctx)
	return nil
}

func (s *Scheduler) applySettleLocked(ctx context.Context, t *model.Ticket, w SettledWindow, now time.Time) error {
	upd := t.Clone()
	upd.Metadata = w.Metadata
	upd.Metadata.EventCount = t.Metadata.EventCount + w.EventCount
	upd.LastEventAt = w.LastEventAt
	if t.State == model.StateQueued && w.PriorityHint.Exceeds(t.Priority) {
		upd.Priority = w.PriorityHint
	}

	if err := s.wal.Append(ctx, store.Record{Kind: store.RecordTicketUpdated, At: now, Ticket: upd}); err != nil {
		return fmt.Errorf("logging ticket update: %w", err)
	}

	t.Metadata = upd.Metadata
	t.LastEventAt = upd.LastEventAt
	t.Priority = upd.Priority
	slog.InfoContext(ctx, "ticket absorbed settled events",
		"ticket_id", t.ID, "state", t.State, "events", w.EventCount)

	if t.State == model.StateAwaitingInput && w.Metadata.Body != "" {
		return s.resumeLocked(ctx, t, w.Metadata.Body)
	}

	s.admitLocked(ctx)
	return nil
}

func (s *Scheduler) resumeLocked(ctx context.Context, t *model.Ticket, reply string) error {
	if err := s.transitionLocked(ctx, t, model.StateActive, "", t.Attempt); err != nil {
		return err
	}

	h := s.handles[t.ID]
	if h == nil {
		slog.ErrorContext(ctx, "no executor handle for resume", "ticket_id", t.ID)
		if err := s.transitionLocked(ctx, t, model.StateFailed, "executor handle lost before resume", t.Attempt); err != nil {
			return err
		}
		return s.finishLocked(ctx, t)
	}

	ticketID := t.ID
	go func() {
		if err := h.Resume(reply); err != nil {
			slog.Error("resuming session", "ticket_id", ticketID, "error", err)
			s.Failed(ticketID, "resume failed: "+err.Error())
		}
	}()
	return nil
}

// Halt cancels the session for the event's key, whatever state it is in. A
// halt with no non-terminal ticket is a no-op, acknowledged with a comment.
func (s *Scheduler) Halt(ctx context.Context, event model.Event) error {
	s.mu.Lock()
	t := s.byKey[event.Key]
	if t == nil || t.State.Terminal() {
		s.mu.Unlock()
		slog.InfoContext(ctx, "halt with no active session", "actor", event.Actor)
		s.notifyAsync(ctx, event.Key, func(nctx context.Context) error {
			return s.notifier.PostComment(nctx, event.Key, "No active session to halt.")
		})
		return nil
	}

	ticketID := t.ID
	wasQueued := t.State == model.StateQueued
	h := s.handles[ticketID]

	if err := s.transitionLocked(ctx, t, model.StateHalted, "halted by "+event.Actor, t.Attempt); err != nil {
		s.mu.Unlock()
		return err
	}
	if wasQueued {
		s.queue.Remove(ticketID)
	}
	delete(s.handles, ticketID)
	t.HaltRequested = true
	s.admitLocked(ctx)
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	slog.InfoContext(ctx, "session halted", "ticket_id", ticketID, "actor", event.Actor)
	return nil
}

// Tick runs housekeeping: aging promotion, per-state deadlines, and admission.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for _, t := range s.queue.AgedCandidates(now) {
		upd := t.Clone()
		upd.Priority = t.Priority.Promote()
		upd.WaitedSince = now
		if err := s.wal.Append(ctx, store.Record{Kind: store.RecordTicketUpdated, At: now, Ticket: upd}); err != nil {
			slog.ErrorContext(ctx, "logging aging promotion", "ticket_id", t.ID, "error", err)
			continue
		}
		t.Priority = upd.Priority
		t.WaitedSince = now
		slog.InfoContext(ctx, "promoted aged ticket", "ticket_id", t.ID, "priority", t.Priority)
	}

	for _, t := range s.tickets {
		var limit time.Duration
		var to model.TicketState
		var reason string
		switch t.State {
		case model.StateDispatched:
			limit, to, reason = s.cfg.DispatchTimeout, model.StateTimedOut, "executor did not start in time"
		case model.StateActive:
			limit, to, reason = s.cfg.ActiveTimeout, model.StateTimedOut, "session exceeded active deadline"
		case model.StateAwaitingInput:
			limit, to, reason = s.cfg.ClarificationTimeout, model.StateFailed, "no reply before clarification deadline"
		default:
			continue
		}
		if limit <= 0 || now.Sub(t.StateChangedAt) <= limit {
			continue
		}

		h := s.handles[t.ID]
		if err := s.transitionLocked(ctx, t, to, reason, t.Attempt); err != nil {
			slog.ErrorContext(ctx, "timing out ticket", "ticket_id", t.ID, "error", err)
			continue
		}
		delete(s.handles, t.ID)
		if err := s.finishLocked(ctx, t); err != nil {
			slog.ErrorContext(ctx, "finishing timed-out ticket", "ticket_id", t.ID, "error", err)
		}
		if h != nil {
			go h.Cancel()
		}
	}

	s.admitLocked(ctx)
}

// admitLocked dispatches queued tickets while capacity allows, in priority
// order. A dispatch moves the ticket to dispatched under the lock; the
// executor call itself runs outside it.
func (s *Scheduler) admitLocked(ctx context.Context) {
	for {
		t := s.queue.PopAdmissible(func(c *model.Ticket) bool {
			return s.admission.CanAdmit(c.Key.Repo)
		})
		if t == nil {
			break
		}

		if err := s.transitionLocked(ctx, t, model.StateDispatched, "", t.Attempt); err != nil {
			slog.ErrorContext(ctx, "dispatch refused", "ticket_id", t.ID, "error", err)
			s.queue.Push(t)
			break
		}
		s.metrics.Dispatches.Inc()

		req := executor.DispatchRequest{
			TicketID: t.ID,
			Key:      t.Key,
			Metadata: t.Metadata,
			Attempt:  t.Attempt,
		}
		go s.runDispatch(req)
	}

	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.metrics.ActiveSlots.WithLabelValues("all").Set(float64(s.admission.ActiveGlobal()))
}

func (s *Scheduler) runDispatch(req executor.DispatchRequest) {
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		TicketID:  logger.I64(req.TicketID),
		Repo:      logger.Str(req.Key.Repo),
		Issue:     logger.Str(req.Key.Issue),
		Component: "sessiond.sched",
	})

	s.mu.Lock()
	gw := s.gateway
	s.mu.Unlock()

	h, err := gw.Dispatch(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets[req.TicketID]
	// The supervise goroutine may report Started (or even AwaitingInput)
	// before Dispatch returns, so any slot-occupying state at this attempt
	// is still our session. Anything else means a halt, timeout, or retry
	// raced the dispatch and this session must not run.
	if t == nil || t.Attempt != req.Attempt || !t.State.OccupiesSlot() {
		if err == nil && h != nil {
			go h.Cancel()
		}
		return
	}

	if err != nil {
		slog.ErrorContext(ctx, "executor start failed", "error", err)
		if terr := s.transitionLocked(ctx, t, model.StateFailed, "executor start: "+err.Error(), t.Attempt); terr != nil {
			slog.ErrorContext(ctx, "failing ticket after start failure", "error", terr)
			return
		}
		if ferr := s.finishLocked(ctx, t); ferr != nil {
			slog.ErrorContext(ctx, "finishing ticket after start failure", "error", ferr)
		}
		s.admitLocked(ctx)
		return
	}

	// The handle must be durable before the session proceeds, or a restart
	// could not reattach or cancel it.
	upd := t.Clone()
	upd.ExecHandle = h.ID()
	if werr := s.wal.Append(ctx, store.Record{Kind: store.RecordTicketUpdated, At: s.now(), Ticket: upd}); werr != nil {
		slog.ErrorContext(ctx, "logging executor handle", "error", werr)
		go h.Cancel()
		if terr := s.transitionLocked(ctx, t, model.StateFailed, "logging executor handle: "+werr.Error(), t.Attempt); terr == nil {
			if ferr := s.finishLocked(ctx, t); ferr != nil {
				slog.ErrorContext(ctx, "finishing ticket after log failure", "error", ferr)
			}
		}
		s.admitLocked(ctx)
		return
	}

	t.ExecHandle = h.ID()
	s.handles[t.ID] = h
}

// Started implements executor.Reporter.
func (s *Scheduler) Started(ticketID int64) {
	ctx := s.reporterCtx(ticketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets[ticketID]
	if t == nil || t.State != model.StateDispatched {
		return
	}
	if err := s.transitionLocked(ctx, t, model.StateActive, "", t.Attempt); err != nil {
		slog.ErrorContext(ctx, "activating ticket", "error", err)
	}
}

// AwaitingInput implements executor.Reporter.
func (s *Scheduler) AwaitingInput(ticketID int64, question string) {
	ctx := s.reporterCtx(ticketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets[ticketID]
	if t == nil || t.State != model.StateActive {
		return
	}
	if err := s.transitionLocked(ctx, t, model.StateAwaitingInput, "", t.Attempt); err != nil {
		slog.ErrorContext(ctx, "parking ticket for input", "error", err)
		return
	}

	key := t.Key
	s.notifyAsync(ctx, key, func(nctx context.Context) error {
		return s.notifier.PostComment(nctx, key, question)
	})
}

// Completed implements executor.Reporter.
func (s *Scheduler) Completed(ticketID int64) {
	ctx := s.reporterCtx(ticketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets[ticketID]
	if t == nil {
		return
	}
	// A session may finish on its own while parked for input.
	if t.State == model.StateAwaitingInput {
		if err := s.transitionLocked(ctx, t, model.StateActive, "", t.Attempt); err != nil {
			slog.ErrorContext(ctx, "unparking ticket", "error", err)
			return
		}
	}
	if t.State != model.StateActive {
		return
	}

	delete(s.handles, t.ID)
	if err := s.transitionLocked(ctx, t, model.StateCompleted, "", t.Attempt); err != nil {
		slog.ErrorContext(ctx, "completing ticket", "error", err)
		return
	}
	if err := s.finishLocked(ctx, t); err != nil {
		slog.ErrorContext(ctx, "releasing completed ticket", "error", err)
	}
	s.admitLocked(ctx)
}

// Failed implements executor.Reporter.
func (s *Scheduler) Failed(ticketID int64, reason string) {
	ctx := s.reporterCtx(ticketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tickets[ticketID]
	if t == nil || !t.State.OccupiesSlot() {
		return
	}

	delete(s.handles, t.ID)
	if err := s.transitionLocked(ctx, t, model.StateFailed, reason, t.Attempt); err != nil {
		slog.ErrorContext(ctx, "failing ticket", "error", err)
		return
	}
	if err := s.finishLocked(ctx, t); err != nil {
		slog.ErrorContext(ctx, "finishing failed ticket", "error", err)
	}
	s.admitLocked(ctx)
}

func (s *Scheduler) reporterCtx(ticketID int64) context.Context {
	return logger.WithLogFields(context.Background(), logger.LogFields{
		TicketID:  logger.I64(ticketID),
		Component: "sessiond.sched",
	})
}

// finishLocked runs the outcome chain after a ticket reaches completed,
// failed, or timed out: retry when attempts remain, otherwise release the
// ticket for good.
func (s *Scheduler) finishLocked(ctx context.Context, t *model.Ticket) error {
	switch t.State {
	case model.StateCompleted:
		return s.transitionLocked(ctx, t, model.StateReleased, "", t.Attempt)
	case model.StateFailed, model.StateTimedOut:
		if !t.HaltRequested && t.Attempt < s.cfg.MaxRetryAttempts {
			if err := s.transitionLocked(ctx, t, model.StateQueued, "", t.Attempt+1); err != nil {
				return err
			}
			s.byKey[t.Key] = t
			s.queue.Push(t)
			slog.InfoContext(ctx, "retrying ticket", "ticket_id", t.ID, "attempt", t.Attempt)
			return nil
		}
		return s.transitionLocked(ctx, t, model.StateReleased, "", t.Attempt)
	}
	return nil
}

// transitionLocked is the only place ticket state changes. The state-change
// record is appended to the durable log first; if the append fails the
// in-memory state is left untouched and the error is returned.
func (s *Scheduler) transitionLocked(ctx context.Context, t *model.Ticket, to model.TicketState, reason string, attempt int) error {
	from := t.State
	if !canTransition(from, to) {
		return errInvalidTransition(t.ID, from, to)
	}

	now := s.now()
	rec := store.Record{
		Kind:       store.RecordStateChanged,
		At:         now,
		TicketID:   t.ID,
		From:       from,
		To:         to,
		Attempt:    attempt,
		ExecHandle: t.ExecHandle,
		Reason:     reason,
	}
	if err := s.wal.Append(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "refusing state change, log append failed",
			"ticket_id", t.ID, "from", from, "to", to, "error", err)
		return fmt.Errorf("logging state change: %w", err)
	}

	t.State = to
	t.StateChangedAt = now
	// attempt is always the intended value, including 0 on a reopen reset.
	t.Attempt = attempt
	if reason != "" {
		t.LastError = reason
	}
	if to == model.StateQueued {
		t.EnqueuedAt = now
		t.WaitedSince = now
		t.ExecHandle = ""
	}

	// Slot accounting: acquire on entering an occupying state, release on
	// leaving one. Release is idempotent, so the slot frees exactly once.
	if to.OccupiesSlot() && !from.OccupiesSlot() {
		if err := s.admission.Acquire(t.ID, t.Key.Repo); err != nil {
			slog.ErrorContext(ctx, "slot accounting violation", "ticket_id", t.ID, "error", err)
		}
	} else if from.OccupiesSlot() && !to.OccupiesSlot() {
		if repo, ok := s.admission.Release(t.ID); ok {
			s.metrics.ActiveSlots.WithLabelValues(repo).Set(float64(s.admission.ActiveRepo(repo)))
		}
	}

	if to.Terminal() && s.byKey[t.Key] == t {
		delete(s.byKey, t.Key)
	}

	s.metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	slog.InfoContext(ctx, "ticket state changed",
		"ticket_id", t.ID, "from", from, "to", to, "attempt", t.Attempt)

	s.notifyTransition(ctx, t, from, to)
	return nil
}

func (s *Scheduler) notifyTransition(ctx context.Context, t *model.Ticket, from, to model.TicketState) {
	key := t.Key
	switch {
	case to == model.StateDispatched:
		s.notifyAsync(ctx, key, func(nctx context.Context) error {
			return s.notifier.AddLabel(nctx, key, workingLabel)
		})
	case to == model.StateHalted:
		s.notifyAsync(ctx, key, func(nctx context.Context) error {
			if err := s.notifier.RemoveLabel(nctx, key, workingLabel); err != nil {
				return err
			}
			return s.notifier.PostComment(nctx, key, "Session halted.")
		})
	case to == model.StateReleased && from != model.StateHalted:
		s.notifyAsync(ctx, key, func(nctx context.Context) error {
			return s.notifier.RemoveLabel(nctx, key, workingLabel)
		})
	}
}

// notifyAsync runs a notifier call off the scheduler lock. Notification
// failures are logged, never propagated; platform hiccups must not affect
// scheduling.
func (s *Scheduler) notifyAsync(ctx context.Context, key model.SessionKey, fn func(context.Context) error) {
	fields := logger.GetLogFields(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		nctx = logger.WithLogFields(nctx, fields)
		if err := fn(nctx); err != nil {
			slog.ErrorContext(nctx, "notifier call failed",
				"repo", key.Repo, "issue", key.Issue, "error", err)
		}
	}()
}

func (s *Scheduler) latestHaltedLocked(key model.SessionKey) *model.Ticket {
	var latest *model.Ticket
	for _, t := range s.tickets {
		if t.Key != key || t.State != model.StateHalted {
			continue
		}
		if latest == nil || t.StateChangedAt.After(latest.StateChangedAt) {
			latest = t
		}
	}
	return latest
}

// Snapshot returns a consistent copy of all tickets, the queue order, and
// capacity usage.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ActiveGlobal:  s.admission.ActiveGlobal(),
		GlobalLimit:   s.cfg.GlobalConcurrencyLimit,
		PerRepoLimit:  s.cfg.PerRepoConcurrencyLimit,
		ActivePerRepo: make(map[string]int),
	}
	for _, t := range s.tickets {
		snap.Tickets = append(snap.Tickets, *t.Clone())
		if t.State.OccupiesSlot() {
			snap.ActivePerRepo[t.Key.Repo] = s.admission.ActiveRepo(t.Key.Repo)
		}
	}
	for _, t := range s.queue.Sorted() {
		snap.QueueOrder = append(snap.QueueOrder, t.ID)
	}
	return snap
}

// ErrNoSuchSession is returned by ForceRelease when the key has no
// non-terminal ticket.
var ErrNoSuchSession = fmt.Errorf("no non-terminal session for key")

// ForceRelease is the admin escape hatch: it cancels any running session for
// the key and releases the ticket regardless of state.
func (s *Scheduler) ForceRelease(ctx context.Context, key model.SessionKey) error {
	s.mu.Lock()
	t := s.byKey[key]
	if t == nil || t.State.Terminal() {
		s.mu.Unlock()
		return ErrNoSuchSession
	}

	wasQueued := t.State == model.StateQueued
	h := s.handles[t.ID]

	if err := s.transitionLocked(ctx, t, model.StateReleased, "force-released by admin", t.Attempt); err != nil {
		s.mu.Unlock()
		return err
	}
	if wasQueued {
		s.queue.Remove(t.ID)
	}
	delete(s.handles, t.ID)
	s.admitLocked(ctx)
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	return nil
}

// FireDueWindows drives debounce expiry from a supplied clock. Tests use it
// in place of real timers.
func (s *Scheduler) FireDueWindows(now time.Time) {
	s.debouncer.FireDue(now)
}
