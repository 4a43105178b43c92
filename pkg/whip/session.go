// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package whip

import (
	"context"
	"slices"

	"github.com/looplab/fsm"
)

type State string

const (
	StateIdle           State = "idle"
	StateOfferRequested State = "offer_requested"
	StateOfferReady     State = "offer_ready"
	StateExchanging     State = "exchanging"
	StateActive         State = "active"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

const (
	eventRequestOffer = "request_offer"
	eventOfferReady   = "offer_ready"
	eventExchange     = "exchange"
	eventActivate     = "activate"
	eventClose        = "close"
	eventClosed       = "closed"
	eventDiscard      = "discard"
	eventFail         = "fail"
)

var nonTerminalStates = []string{
	string(StateIdle),
	string(StateOfferRequested),
	string(StateOfferReady),
	string(StateExchanging),
	string(StateActive),
	string(StateClosing),
}

// Session is a point in time copy of the signaling session.
type Session struct {
	State            State
	ResourceLocation string
	RelayDirectives  []string
	Vary             string
	LastError        error
}

// session is guarded by the owning Client's mutex.
type session struct {
	fsm *fsm.FSM

	resourceLocation string
	relayDirectives  []string
	vary             string
	lastError        error
}

func newSession() *session {
	return &session{
		fsm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: eventRequestOffer, Src: []string{string(StateIdle)}, Dst: string(StateOfferRequested)},
				{Name: eventOfferReady, Src: []string{string(StateOfferRequested)}, Dst: string(StateOfferReady)},
				{Name: eventExchange, Src: []string{string(StateOfferReady)}, Dst: string(StateExchanging)},
				{Name: eventActivate, Src: []string{string(StateExchanging)}, Dst: string(StateActive)},
				{Name: eventClose, Src: []string{string(StateActive)}, Dst: string(StateClosing)},
				{Name: eventClosed, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
				{Name: eventDiscard, Src: []string{string(StateIdle)}, Dst: string(StateClosed)},
				{Name: eventFail, Src: nonTerminalStates, Dst: string(StateFailed)},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *session) state() State {
	return State(s.fsm.Current())
}

// fire runs one transition and returns the states it moved between.
func (s *session) fire(event string) (State, State, error) {
	from := s.state()
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return from, from, err
	}
	return from, s.state(), nil
}

func (s *session) snapshot() Session {
	return Session{
		State:            s.state(),
		ResourceLocation: s.resourceLocation,
		RelayDirectives:  slices.Clone(s.relayDirectives),
		Vary:             s.vary,
		LastError:        s.lastError,
	}
}
