package errdefs

import "net/http"

// GRPCCode mirrors the gRPC status codes the frontends use. Defined locally
// so the core does not depend on the grpc module.
type GRPCCode int

// gRPC status codes (subset used by the mapping).
const (
	GRPCOK                GRPCCode = 0
	GRPCInvalidArgument   GRPCCode = 3
	GRPCDeadlineExceeded  GRPCCode = 4
	GRPCNotFound          GRPCCode = 5
	GRPCAlreadyExists     GRPCCode = 6
	GRPCPermissionDenied  GRPCCode = 7
	GRPCResourceExhausted GRPCCode = 8
	GRPCInternal          GRPCCode = 13
	GRPCUnavailable       GRPCCode = 14
	GRPCUnauthenticated   GRPCCode = 16
)

// JSON-RPC style codes for the MCP adapter.
const (
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
	JSONRPCServerError    = -32000
	JSONRPCUnauthorized   = -32001
	JSONRPCForbidden      = -32003
	JSONRPCNotFound       = -32004
	JSONRPCRateLimited    = -32029
)

// HTTPStatus maps an error kind to its HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication, KindSession:
		return http.StatusUnauthorized
	case KindAuthorization, KindSecurity:
		return http.StatusForbidden
	case KindResource:
		if e.Code == "POOL_TIMEOUT" {
			return http.StatusGatewayTimeout
		}
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindBusinessLogic:
		return http.StatusConflict
	case KindNetwork, KindExternalService:
		return http.StatusServiceUnavailable
	case KindBrowser:
		return http.StatusInternalServerError
	case KindConfiguration, KindSystem:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// GRPCStatus maps an error kind to its gRPC status code.
func (e *Error) GRPCStatus() GRPCCode {
	switch e.Kind {
	case KindValidation:
		return GRPCInvalidArgument
	case KindAuthentication, KindSession:
		return GRPCUnauthenticated
	case KindAuthorization, KindSecurity:
		return GRPCPermissionDenied
	case KindResource:
		if e.Code == "POOL_TIMEOUT" {
			return GRPCDeadlineExceeded
		}
		return GRPCNotFound
	case KindRateLimit:
		return GRPCResourceExhausted
	case KindBusinessLogic:
		return GRPCAlreadyExists
	case KindNetwork, KindExternalService:
		return GRPCUnavailable
	}
	return GRPCInternal
}

// JSONRPCCode maps an error kind to a JSON-RPC style code for the MCP adapter.
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindValidation:
		return JSONRPCInvalidParams
	case KindAuthentication, KindSession:
		return JSONRPCUnauthorized
	case KindAuthorization, KindSecurity:
		return JSONRPCForbidden
	case KindResource:
		return JSONRPCNotFound
	case KindRateLimit:
		return JSONRPCRateLimited
	case KindNetwork, KindExternalService, KindBrowser:
		return JSONRPCServerError
	}
	return JSONRPCInternalError
}
