package permissions

import "permstate/internal/models"

// Hooks receives cache lifecycle notifications. Any field may be nil.
// Hooks run outside the cache lock.
type Hooks struct {
	EntryOpened       func(key string)
	EntryClosed       func(key string)
	SubscriberAdded   func(key string)
	SubscriberRemoved func(key string, n int)
	QueryDone         func(key string, err error)
	StateChanged      func(key string, state models.PermissionState)
}

func (h Hooks) entryOpened(key string) {
	if h.EntryOpened != nil {
		h.EntryOpened(key)
	}
}

func (h Hooks) entryClosed(key string) {
	if h.EntryClosed != nil {
		h.EntryClosed(key)
	}
}

func (h Hooks) subscriberAdded(key string) {
	if h.SubscriberAdded != nil {
		h.SubscriberAdded(key)
	}
}

func (h Hooks) subscriberRemoved(key string, n int) {
	if h.SubscriberRemoved != nil && n > 0 {
		h.SubscriberRemoved(key, n)
	}
}

func (h Hooks) queryDone(key string, err error) {
	if h.QueryDone != nil {
		h.QueryDone(key, err)
	}
}

func (h Hooks) stateChanged(key string, state models.PermissionState) {
	if h.StateChanged != nil {
		h.StateChanged(key, state)
	}
}
