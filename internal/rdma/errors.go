package rdma

import "errors"

// ErrNoEvent is returned by CMChannel.GetEvent when no event is pending.
// In normal acceptor operation the poll loop treats this as "nothing to do
// this tick", not a failure.
var ErrNoEvent = errors.New("no CM event pending")

// ErrCQEmpty is returned by PollSendCQ/PollRecvCQ when the completion
// queue currently has nothing to drain.
var ErrCQEmpty = errors.New("completion queue empty")

// ErrQPFull is returned when a post would exceed the queue pair's
// configured send or receive depth.
var ErrQPFull = errors.New("queue pair work request queue full")

// ErrDeviceNotFound is returned when no RDMA device matches the requested
// name or listen address.
var ErrDeviceNotFound = errors.New("no matching RDMA device found")
