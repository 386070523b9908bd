package recording

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicememo/pkg/audio"
)

// Run dispatches hardware events to the active recording and delivers
// events to subscribers until ctx is done. Subscriber channels are closed
// on return.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.levelInterval)
	defer ticker.Stop()
	defer s.closeSubscribers()

	var hw <-chan audio.Event
	if s.platform != nil {
		hw = s.platform.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-hw:
			s.dispatch(ev)
		case ev := <-s.outbox:
			s.fanOut(ev)
		case <-ticker.C:
			if s.levelDirty.Swap(false) {
				s.fanOut(Event{Kind: EventLevel, Time: s.now(), Level: s.Level()})
			}
		}
	}
}

// dispatch handles one hardware event.
func (s *Service) dispatch(ev audio.Event) {
	slog.Debug("recording: hardware event", "kind", ev.Kind, "reason", ev.Reason)
	switch ev.Kind {
	case audio.EventRouteChanged:
		s.configurator.Invalidate()
		s.publish(Event{Kind: EventRoute, Time: s.now(), Route: ev.Reason})
	case audio.EventMediaServicesReset:
		s.configurator.Invalidate()
	}

	s.mu.Lock()
	var target chan audio.Event
	if s.sess != nil && s.sess.state.Active() && s.sess.hwEvents != nil {
		target = s.sess.hwEvents
	}
	s.mu.Unlock()
	if target == nil {
		return
	}
	select {
	case target <- ev:
	default:
		slog.Warn("recording: recovery queue full, dropping hardware event", "kind", ev.Kind)
	}
}

// Subscribe registers a new event subscriber. The channel is buffered; a
// slow subscriber loses its oldest undelivered events. cancel removes the
// subscription and closes the channel; it is safe to call more than once.
func (s *Service) Subscribe() (events <-chan Event, cancel func()) {
	ch := make(chan Event, s.subBuffer)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// publishStateLocked queues a state event for the current recording.
func (s *Service) publishStateLocked() {
	snap := Snapshot{State: StateIdle}
	if s.sess != nil {
		snap = s.sess.snapshot(s.now(), s.Level())
	}
	s.publish(Event{Kind: EventState, Time: s.now(), Session: &snap})
}

// publish queues ev for delivery by Run without blocking. When the queue is
// full the oldest event is dropped.
func (s *Service) publish(ev Event) {
	for {
		select {
		case s.outbox <- ev:
			return
		default:
		}
		select {
		case <-s.outbox:
		default:
		}
	}
}

func (s *Service) fanOut(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		sendDropOldest(ch, ev)
	}
}

func sendDropOldest(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (s *Service) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsClosed = true
}
