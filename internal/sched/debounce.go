package sched

import (
	"sync"
	"time"

	"forgeflow.dev/sessiond/internal/model"
)

// SettledWindow is the product of one debounce window firing: the merged
// metadata of every event observed on the key plus the stream message ids to
// acknowledge once the settle has been durably applied.
type SettledWindow struct {
	Key          model.SessionKey
	Metadata     model.Metadata
	PriorityHint model.Priority
	LastEventAt  time.Time
	EventCount   int
	MessageIDs   []string
}

type debounceWindow struct {
	deadline     time.Time
	metadata     model.Metadata
	priorityHint model.Priority
	lastEventAt  time.Time
	count        int
	messageIDs   []string
	timer        *time.Timer
}

// Debouncer coalesces rapid repeated events on the same key into a single
// settle. Each new event before expiry pushes the deadline forward and merges
// metadata, the later event superseding the earlier. A window fires exactly
// once. Critical events never enter the debouncer; the scheduler settles them
// immediately.
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	windows  map[model.SessionKey]*debounceWindow
	onSettle func(SettledWindow)
	now      func() time.Time
	// schedule defaults to time.AfterFunc; tests replace it and drive
	// expiry through FireDue.
	schedule func(d time.Duration, fn func()) *time.Timer
}

func NewDebouncer(window time.Duration, onSettle func(SettledWindow)) *Debouncer {
	return &Debouncer{
		window:   window,
		windows:  make(map[model.SessionKey]*debounceWindow),
		onSettle: onSettle,
		now:      time.Now,
		schedule: time.AfterFunc,
	}
}

// Observe opens or extends the window for the event's key. messageID is the
// stream entry carrying the event; it is acknowledged only after the window
// settles, so a crash mid-window leaves the events pending for reclaim.
func (d *Debouncer) Observe(event model.Event, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := event.Key

	w, open := d.windows[key]
	if !open {
		w = &debounceWindow{}
		d.windows[key] = w
		if d.schedule != nil {
			w.timer = d.schedule(d.window, func() { d.fire(key) })
		}
	} else {
		if w.timer != nil {
			w.timer.Reset(d.window)
		}
	}

	w.deadline = now.Add(d.window)
	w.lastEventAt = event.ReceivedAt
	w.count++
	if messageID != "" {
		w.messageIDs = append(w.messageIDs, messageID)
	}

	// Later events supersede earlier ones.
	w.metadata = model.Metadata{
		EventKind: event.Kind,
		Body:      event.Body,
		Actor:     event.Actor,
		Labels:    append([]string(nil), event.Labels...),
	}
	if w.priorityHint == "" || event.PriorityHint.Exceeds(w.priorityHint) {
		w.priorityHint = event.PriorityHint
	}
}

// Open reports whether a window is currently open for key.
func (d *Debouncer) Open(key model.SessionKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.windows[key]
	return ok
}

// FireDue settles every window whose deadline has passed. Production expiry
// runs through timers; tests drive it directly.
func (d *Debouncer) FireDue(now time.Time) {
	d.mu.Lock()
	var due []model.SessionKey
	for key, w := range d.windows {
		if !now.Before(w.deadline) {
			due = append(due, key)
		}
	}
	d.mu.Unlock()

	for _, key := range due {
		d.fire(key)
	}
}

func (d *Debouncer) fire(key model.SessionKey) {
	d.mu.Lock()
	w, ok := d.windows[key]
	if !ok {
		d.mu.Unlock()
		return
	}

	now := d.now()
	if now.Before(w.deadline) {
		// The deadline moved after the timer was armed; re-arm for the
		// remainder instead of firing early.
		if w.timer != nil {
			w.timer.Reset(w.deadline.Sub(now))
		}
		d.mu.Unlock()
		return
	}

	delete(d.windows, key)
	settled := SettledWindow{
		Key:          key,
		Metadata:     w.metadata,
		PriorityHint: w.priorityHint,
		LastEventAt:  w.lastEventAt,
		EventCount:   w.count,
		MessageIDs:   w.messageIDs,
	}
	settled.Metadata.EventCount = w.count
	d.mu.Unlock()

	d.onSettle(settled)
}
