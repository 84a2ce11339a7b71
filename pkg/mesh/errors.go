package mesh

import "errors"

var (
	// ErrRouting is the parent of every per-message routing failure
	ErrRouting = errors.New("routing failed")

	ErrHopLimit  = errors.New("hop limit reached")
	ErrNoRoute   = errors.New("no route to receiver")
	ErrDuplicate = errors.New("message already routed")
)
