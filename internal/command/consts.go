package command

import "github.com/arqonbus/bus/internal/envelope"

const (
	validationErrorCode  = envelope.ErrValidationError
	internalErrorCode    = envelope.ErrInternal
	channelProtectedCode = envelope.ErrChannelProtected
	channelNotEmptyCode  = envelope.ErrChannelNotEmpty
	featureDisabledCode  = envelope.ErrFeatureDisabled
	staleEventCode       = envelope.ErrStaleEvent
	degradedCode         = envelope.ErrNotSupportedInDegraded
	reloadRejectedCode   = envelope.ErrCASILReloadRejected
)
