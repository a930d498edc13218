package flow

import (
	"fmt"

	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

// userFreeChecker reports whether a user has no occupying conversation.
// Satisfied by convstore.Store.
type userFreeChecker interface {
	IsUserFree(userID int64) bool
}

// selectResponder picks a responder for a question: the most recently
// registered active user who is free and not excluded. It returns the chosen
// user and the remaining candidates, nearest-next-choice first, for rejection
// re-routing. ok is false when nobody is available.
func selectResponder(st store.Store, free userFreeChecker, exclude ...int64) (chosen models.User, queue []int64, ok bool, err error) {
	users, err := st.ListActiveUsers()
	if err != nil {
		return models.User{}, nil, false, fmt.Errorf("failed to list active users: %w", err)
	}

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	// Walk from the tail: newest registration gets asked first.
	for i := len(users) - 1; i >= 0; i-- {
		u := users[i]
		if excluded[u.ID] || !free.IsUserFree(u.ID) {
			continue
		}
		if !ok {
			chosen = u
			ok = true
			continue
		}
		queue = append(queue, u.ID)
	}
	return chosen, queue, ok, nil
}
