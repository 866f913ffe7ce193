package carousel

import (
	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
)

// event is anything the engine loop processes. Every event runs to completion before
// the next one is taken.
type event interface {
	isEvent()
}

type snapshotReceived struct {
	snap docstore.Snapshot
	err  error
	gen  uint64 // subscription generation that produced it
}

type timerFired struct {
	fire func()
}

type writeFailed struct {
	write Write
}

type navKind int

const (
	navAdvance navKind = iota
	navRetreat
	navGoTo
)

type navigate struct {
	channel models.Channel
	kind    navKind
	index   int
	reply   chan navResult
}

type navResult struct {
	view ChannelView
	err  error
}

type gestureStarted struct {
	channel models.Channel
	x       float64
	reply   chan navResult
}

type gestureMoved struct {
	channel models.Channel
	x       float64
	reply   chan moveResult
}

type moveResult struct {
	offset float64
	ok     bool
	err    error
}

type gestureEnded struct {
	channel models.Channel
	reply   chan endResult
}

type endResult struct {
	result GestureResult
	err    error
}

type autoplayChanged struct {
	allowed bool
	reply   chan struct{}
}

// barrier is answered once every event posted before it has been processed.
type barrier struct {
	reply chan struct{}
}

func (snapshotReceived) isEvent() {}
func (timerFired) isEvent()       {}
func (writeFailed) isEvent()      {}
func (navigate) isEvent()         {}
func (gestureStarted) isEvent()   {}
func (gestureMoved) isEvent()     {}
func (gestureEnded) isEvent()     {}
func (autoplayChanged) isEvent()  {}
func (barrier) isEvent()          {}
