package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
)

// StatusClientClosed is reported when the caller canceled the invocation.
const StatusClientClosed = 499

// statusFor maps a failure kind to the HTTP status of the response.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindConfiguration:
		return http.StatusInternalServerError
	case domain.KindSpawnFailure, domain.KindNonZeroExit, domain.KindMalformed, domain.KindOutputTooLarge:
		return http.StatusBadGateway
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindWriteRace:
		return http.StatusConflict
	case domain.KindCanceled:
		return StatusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func resultStatus(res *domain.InvocationResult, toolKnown bool) int {
	if res == nil || res.Error == nil {
		return http.StatusOK
	}
	if !toolKnown {
		return http.StatusNotFound
	}
	return statusFor(res.Error.Kind)
}
