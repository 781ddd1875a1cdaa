// Package storage is the backing store for slow-changing bot state:
// authorized groups, persisted toggles and the operator audit log.
//
// Writes to collections should go through the write queue, which
// serializes load-modify-store cycles. Reads may hit the store directly.
package storage
