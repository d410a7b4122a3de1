package pollconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type SubscriptionID uint64

type subscription struct {
	id         SubscriptionID
	categories map[Category]struct{}
	handler    EventHandler
}

func (s *subscription) matches(c Category) bool {
	if len(s.categories) == 0 {
		return true
	}
	_, ok := s.categories[c]
	return ok
}

// SubscriptionRegistry maps event categories to handlers. Handlers run only
// from loop dispatch and never send anything back to the server.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	next SubscriptionID
	subs []*subscription
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{}
}

// Subscribe registers h for every event whose category is in categories.
// An empty list matches every category.
func (r *SubscriptionRegistry) Subscribe(categories []Category, h EventHandler) SubscriptionID {
	set := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs = append(r.subs, &subscription{id: r.next, categories: set, handler: h})
	return r.next
}

func (r *SubscriptionRegistry) Unsubscribe(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// notify runs every matching handler once and returns how many ran.
// Handlers may subscribe or unsubscribe; the change applies to the next event.
func (r *SubscriptionRegistry) notify(ctx context.Context, ev Event, onError ErrorHandler) int {
	r.mu.RLock()
	matched := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.matches(ev.Category) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		glog.V(2).Infof("event %s: no subscriber", ev.Category)
		return 0
	}

	for _, s := range matched {
		if err := s.run(ctx, ev); err != nil && onError != nil {
			onError(ctx, ev, err)
		}
	}
	return len(matched)
}

func (s *subscription) run(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("event %s: subscription %d panicked: %v", ev.Category, s.id, r)
			err = fmt.Errorf("subscription %d panicked: %v", s.id, r)
		}
	}()
	return s.handler(ctx, ev)
}
