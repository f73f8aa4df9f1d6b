package executor

import (
	"errors"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// state is the sealed set of coordinator states. Only the types in this file
// implement it; Execute switches over them exhaustively.
type state interface {
	name() domain.ExecState
}

// planned: nothing reserved or submitted yet.
type planned struct{}

// legsSubmitted: both legs hold reservations and are being placed and polled.
type legsSubmitted struct{}

// bothFilled: both legs report a full fill.
type bothFilled struct{}

// partial: at least one fill happened but the pair is unbalanced or
// incomplete. Recovery still has to run.
type partial struct {
	reason string
}

// failed: nothing traded on either leg.
type failed struct {
	reason string
}

// resolved: terminal. Reservations have been released.
type resolved struct{}

func (planned) name() domain.ExecState       { return domain.ExecPlanned }
func (legsSubmitted) name() domain.ExecState { return domain.ExecLegsSubmitted }
func (bothFilled) name() domain.ExecState    { return domain.ExecBothFilled }
func (partial) name() domain.ExecState       { return domain.ExecPartial }
func (failed) name() domain.ExecState        { return domain.ExecFailed }
func (resolved) name() domain.ExecState      { return domain.ExecResolved }

// Reasons recorded on executions.
const (
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "order timeout"
	ReasonLegFailed   = "leg failed"
	ReasonReservation = "reservation refused"
)

var errNoBid = errors.New("venue reports no bid")
