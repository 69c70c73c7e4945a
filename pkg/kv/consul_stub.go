//go:build !consul

package kv

import (
	"context"
	"log"
)

// NewConsul without the consul build tag returns a never-ready store, which
// keeps every consumer in degraded (grant-everything) mode.
func NewConsul(_ context.Context, addr string) KV {
	log.Printf("consul kv backend requested (addr=%s) but binary built without consul tag; running degraded", addr)
	return NewMemory(false)
}
