package httpadapter

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

//go:embed api/openapi.yaml
var openAPISpec []byte

const maxRequestBody = 64 << 10

// requestValidator checks JSON request bodies and path parameters against
// the embedded OpenAPI document before handlers decode them.
type requestValidator struct {
	router routers.Router
}

func newRequestValidator() (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	// Servers would pin validation to one host; routes are matched by path only.
	doc.Servers = nil
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &requestValidator{router: router}, nil
}

func (v *requestValidator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			// Unknown routes (metrics, probes) are left to the mux.
			next.ServeHTTP(w, r)
			return
		}

		var raw []byte
		if r.Body != nil {
			raw, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read request body", "")
				return
			}
			if len(raw) > maxRequestBody {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				MultiError:         false,
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err), string(domain.KindInvalidInput))
			return
		}
		if raw != nil {
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}
		next.ServeHTTP(w, r)
	})
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("invalid parameter %s: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			field := schemaErr.JSONPointer()
			if len(field) > 0 {
				return fmt.Sprintf("invalid request body: %s: %s", field[len(field)-1], schemaErr.Reason)
			}
			return "invalid request body: " + schemaErr.Reason
		}
		if reqErr.Reason != "" {
			return "invalid request: " + reqErr.Reason
		}
	}
	return "invalid request"
}
