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

package errors

import (
	"errors"
	"fmt"

	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig = errors.New("missing config")

	ErrInvalidURL               = errors.New("invalid endpoint url")
	ErrInvalidSettings          = errors.New("invalid session settings")
	ErrEngineAlreadyInitialized = errors.New("media engine already initialized")
	ErrEngineOffer              = errors.New("could not create offer")
	ErrEngineLocalDescription   = errors.New("could not set local description")
	ErrEngineRemoteDescription  = errors.New("could not set remote description")
	ErrTransport                = errors.New("transport failure")
	ErrInvalidResponse          = errors.New("invalid response")
	ErrStreamExists             = errors.New("stream already exists")

	ErrSessionTerminated = errors.New("session terminated")
	ErrSessionInProgress = errors.New("session exchange already in progress")
	ErrEngineClosed      = errors.New("media engine closed")
)

// Kind names one entry of the session error taxonomy.
type Kind string

const (
	KindNone                         Kind = ""
	KindInvalidURL                   Kind = "InvalidUrl"
	KindInvalidSettings              Kind = "InvalidSettings"
	KindEngineAlreadyInitialized     Kind = "EngineAlreadyInitialized"
	KindEngineOfferError             Kind = "EngineOfferError"
	KindEngineLocalDescriptionError  Kind = "EngineLocalDescriptionError"
	KindEngineRemoteDescriptionError Kind = "EngineRemoteDescriptionError"
	KindTransportError               Kind = "TransportError"
	KindInvalidResponse              Kind = "InvalidResponse"
	KindStreamExists                 Kind = "StreamExists"
	KindSessionTerminated            Kind = "SessionTerminated"
	KindSessionInProgress            Kind = "SessionInProgress"
	KindUnknown                      Kind = "Unknown"
)

var kinds = []struct {
	err  error
	kind Kind
	code psrpc.ErrorCode
}{
	{ErrStreamExists, KindStreamExists, psrpc.AlreadyExists},
	{ErrInvalidResponse, KindInvalidResponse, psrpc.MalformedResponse},
	{ErrTransport, KindTransportError, psrpc.Unavailable},
	{ErrEngineOffer, KindEngineOfferError, psrpc.Internal},
	{ErrEngineLocalDescription, KindEngineLocalDescriptionError, psrpc.Internal},
	{ErrEngineRemoteDescription, KindEngineRemoteDescriptionError, psrpc.Internal},
	{ErrEngineAlreadyInitialized, KindEngineAlreadyInitialized, psrpc.FailedPrecondition},
	{ErrInvalidSettings, KindInvalidSettings, psrpc.InvalidArgument},
	{ErrInvalidURL, KindInvalidURL, psrpc.InvalidArgument},
	{ErrSessionTerminated, KindSessionTerminated, psrpc.FailedPrecondition},
	{ErrSessionInProgress, KindSessionInProgress, psrpc.Aborted},
}

func New(err string) error {
	return errors.New(err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %v", err)
}

// Wrap tags cause with one of the taxonomy sentinels. Both stay reachable through errors.Is.
func Wrap(sentinel error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func ErrUnexpectedStatus(statusCode int) error {
	return fmt.Errorf("%w: unexpected status code %d", ErrInvalidResponse, statusCode)
}

func ErrUnsupportedCodec(name string) error {
	return fmt.Errorf("%w: unsupported video codec %q", ErrInvalidSettings, name)
}

// KindOf returns the taxonomy entry err belongs to.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// ToPSRPC converts err to a psrpc error carrying the matching status code.
func ToPSRPC(err error) psrpc.Error {
	if err == nil {
		return nil
	}

	var psrpcErr psrpc.Error
	if errors.As(err, &psrpcErr) {
		return psrpcErr
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return psrpc.NewError(k.code, err)
		}
	}
	return psrpc.NewError(psrpc.Unknown, err)
}
