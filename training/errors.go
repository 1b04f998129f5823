package training

import "github.com/pkg/errors"

// ErrUnknownModel reports a save or load request for a model kind the
// trainer does not manage. Unlike a missing checkpoint file, which is a
// recoverable condition reported through Load's boolean result, an unknown
// kind is a configuration error and aborts the call.
var ErrUnknownModel = errors.New("unknown model kind")
