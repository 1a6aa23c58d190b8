// Package blob is the side channel for payloads too large to travel inline
// in a bridge frame. Objects are written once by the sender and taken once
// (read then deleted) by the receiver.
package blob

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")
)

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	// Take returns the object and deletes it.
	Take(ctx context.Context, key string) ([]byte, error)
}

func RequestKey(id string) string  { return "requests/" + id }
func ResponseKey(id string) string { return "responses/" + id }
