// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"bytes"
	"sync"
)

type StreamEvent int

const (
	EventConnect StreamEvent = iota
	EventDisconnect
	EventWriteDone
	EventReadDone
)

func (e StreamEvent) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventWriteDone:
		return "write done"
	case EventReadDone:
		return "read done"
	default:
		return "unknown"
	}
}

// StreamRequest describes a finished transfer of a channel.
type StreamRequest struct {
	Length int
	Actual int
	Status error
}

// NotifyFunc receives the events of an open channel. Channels must not call
// it from inside Open, Close or Write.
type NotifyFunc func(event StreamEvent, req *StreamRequest)

// StreamChannel is the external end of a streaming session.
type StreamChannel interface {
	Name() string
	Open(notify NotifyFunc) error
	Close() error
	Write(p []byte) (int, error)
	Connected() bool
}

// channels bound to a streaming session, shared by all adapters
var boundChannels = struct {
	sync.Mutex
	names map[string]bool
}{names: map[string]bool{}}

func claimChannel(name string) error {
	boundChannels.Lock()
	defer boundChannels.Unlock()

	if boundChannels.names[name] {
		return newEtrError(ErrorChannelBusy, "channel %s is already bound", name)
	}

	boundChannels.names[name] = true
	logger.Debugf("channel %s claimed", name)
	return nil
}

func releaseChannel(name string) {
	boundChannels.Lock()
	defer boundChannels.Unlock()

	if boundChannels.names[name] {
		delete(boundChannels.names, name)
		logger.Debugf("channel %s released", name)
	}
}

// LoopbackChannel is an in-memory channel that keeps everything written to
// it. Connect and Disconnect play the part of the host side.
type LoopbackChannel struct {
	name string

	mu        sync.Mutex
	notify    NotifyFunc
	open      bool
	connected bool
	data      bytes.Buffer
	writes    int
	failWrite error
}

func NewLoopbackChannel(name string) *LoopbackChannel {
	return &LoopbackChannel{name: name}
}

func (l *LoopbackChannel) Name() string {
	return l.name
}

func (l *LoopbackChannel) Open(notify NotifyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open {
		return newEtrError(ErrorChannelBusy, "channel %s is already open", l.name)
	}

	l.open = true
	l.notify = notify
	return nil
}

func (l *LoopbackChannel) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.open = false
	l.notify = nil
	return nil
}

func (l *LoopbackChannel) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open || !l.connected {
		return 0, newEtrError(ErrorStreamUnavailable, "channel %s is not connected", l.name)
	}

	if l.failWrite != nil {
		return 0, l.failWrite
	}

	l.writes++
	return l.data.Write(p)
}

func (l *LoopbackChannel) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.connected
}

// Connect marks the host side as present and reports it to the session.
func (l *LoopbackChannel) Connect() {
	l.signal(true, EventConnect)
}

// Disconnect drops the host side and reports it to the session.
func (l *LoopbackChannel) Disconnect() {
	l.signal(false, EventDisconnect)
}

func (l *LoopbackChannel) signal(connected bool, event StreamEvent) {
	l.mu.Lock()
	l.connected = connected
	notify := l.notify
	l.mu.Unlock()

	if notify != nil {
		notify(event, nil)
	}
}

// FailWrites makes every following Write return err; nil restores it.
func (l *LoopbackChannel) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failWrite = err
}

// Bytes returns a copy of everything written so far.
func (l *LoopbackChannel) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]byte(nil), l.data.Bytes()...)
}

func (l *LoopbackChannel) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writes
}

func (l *LoopbackChannel) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.open
}
