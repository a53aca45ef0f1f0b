package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"

	"ledgerd.io/ledgerd/internal/api/openapi"
	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

// MustOpenAPIValidator creates the request validator and panics on setup failure.
func MustOpenAPIValidator() gin.HandlerFunc {
	mw, err := NewOpenAPIValidator()
	if err != nil {
		panic(fmt.Sprintf("init openapi validator: %v", err))
	}
	return mw
}

// NewOpenAPIValidator validates requests against the embedded contract.
// Paths the contract does not describe pass through untouched. A request that
// violates the contract is answered with 400 INVALID_REQUEST_FIELD.
func NewOpenAPIValidator() (gin.HandlerFunc, error) {
	doc, err := openapi.Load()
	if err != nil {
		return nil, err
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create contract router: %w", err)
	}

	options := &openapi3filter.Options{
		// The ledger API declares no security schemes.
		AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error { return nil },
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			if isUnroutedError(err) {
				c.Next()
				return
			}
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, err.Error()))
			c.Abort()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			_ = c.Error(contractViolation(err))
			c.Abort()
			return
		}
		c.Next()
	}, nil
}

// isUnroutedError reports whether the contract does not describe the request's
// path or method.
func isUnroutedError(err error) bool {
	if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
		return true
	}
	var routeErr *routers.RouteError
	if errors.As(err, &routeErr) {
		return strings.Contains(routeErr.Reason, routers.ErrPathNotFound.Error()) ||
			strings.Contains(routeErr.Reason, routers.ErrMethodNotAllowed.Error())
	}
	return false
}

func contractViolation(err error) *apperrors.AppError {
	appErr := apperrors.BadRequest(apperrors.CodeInvalidRequestField, "request does not match the API contract: "+err.Error())

	var reqErr *openapi3filter.RequestError
	if !errors.As(err, &reqErr) {
		return appErr
	}
	field := "body"
	if reqErr.Parameter != nil {
		field = reqErr.Parameter.Name
	} else {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) && len(schemaErr.JSONPointer()) > 0 {
			field = schemaErr.JSONPointer()[0]
		}
	}
	return appErr.WithParams(map[string]interface{}{"field": field})
}
