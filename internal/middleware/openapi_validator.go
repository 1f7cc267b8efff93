package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

// OpenAPIValidatorConfig holds configuration for OpenAPI validation middleware
type OpenAPIValidatorConfig struct {
	Enabled  bool
	SpecPath string
	// ValidateResponses buffers every response body, so it stays off by default
	ValidateRequests  bool
	ValidateResponses bool
	// SkipPaths are paths to skip validation. An entry ending in "/" skips
	// the whole subtree, any other entry skips itself and its subpaths.
	SkipPaths []string
}

// DefaultOpenAPIValidatorConfig validates requests outside production
func DefaultOpenAPIValidatorConfig(environment string) *OpenAPIValidatorConfig {
	return &OpenAPIValidatorConfig{
		Enabled:          environment != "production" && environment != "prod",
		SpecPath:         "artifacts/openapi.yaml",
		ValidateRequests: true,
		SkipPaths:        []string{"/health", "/metrics", "/ws/"},
	}
}

// Bearer tokens are checked by Auth, not by the validator
var validationOptions = &openapi3filter.Options{
	AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
}

type openAPIValidator struct {
	config *OpenAPIValidatorConfig
	router routers.Router
	next   http.Handler
}

// OpenAPIValidator checks requests, and optionally responses, against the
// API document. A document that fails to load disables validation instead
// of taking the server down.
func OpenAPIValidator(config *OpenAPIValidatorConfig) func(next http.Handler) http.Handler {
	if config == nil {
		config = DefaultOpenAPIValidatorConfig(os.Getenv("ENVIRONMENT"))
	}

	passthrough := func(next http.Handler) http.Handler { return next }

	if !config.Enabled {
		slog.Info("OpenAPI validation disabled")
		return passthrough
	}

	router, err := loadOpenAPIRouter(config.SpecPath)
	if err != nil {
		slog.Error("OpenAPI validation unavailable",
			slog.String("path", config.SpecPath),
			slog.String("error", err.Error()))
		return passthrough
	}

	slog.Info("OpenAPI validation enabled",
		slog.Bool("validate_requests", config.ValidateRequests),
		slog.Bool("validate_responses", config.ValidateResponses),
		slog.String("spec_path", config.SpecPath))

	return func(next http.Handler) http.Handler {
		return &openAPIValidator{config: config, router: router, next: next}
	}
}

func loadOpenAPIRouter(path string) (routers.Router, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return router, nil
}

func (v *openAPIValidator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if shouldSkipPath(r.URL.Path, v.config.SkipPaths) {
		v.next.ServeHTTP(w, r)
		return
	}

	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		if !v.config.ValidateRequests {
			v.next.ServeHTTP(w, r)
			return
		}
		slog.Warn("request path not found in OpenAPI spec",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		writeValidationError(w, fmt.Sprintf("Path not found in OpenAPI spec: %s %s", r.Method, r.URL.Path))
		return
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options:    validationOptions,
	}

	if v.config.ValidateRequests {
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			slog.Warn("request validation failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeValidationError(w, fmt.Sprintf("Request validation failed: %s", err.Error()))
			return
		}
	}

	if !v.config.ValidateResponses {
		v.next.ServeHTTP(w, r)
		return
	}

	recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	v.next.ServeHTTP(recorder, r)

	// The response is already on the wire, mismatches are only logged
	err = openapi3filter.ValidateResponse(r.Context(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 recorder.statusCode,
		Header:                 recorder.Header(),
		Body:                   io.NopCloser(bytes.NewReader(recorder.body.Bytes())),
		Options:                validationOptions,
	})
	if err != nil {
		slog.Warn("response validation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.statusCode),
			slog.String("error", err.Error()))
	}
}

func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if path == skipPath {
			return true
		}
		prefix := skipPath
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
