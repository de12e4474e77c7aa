package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/kernel_layer/internal/kernel"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Component string `json:"component,omitempty"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core.Invalid("http", "body", "", core.CodeInvalidArgument, err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps the failure kind to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: core.KindOf(err).String(), Component: componentOf(err)}
	if code := core.CodeOf(err); code != "" {
		body.Code = string(code)
	}
	writeJSON(w, statusOf(err), body)
}

func statusOf(err error) int {
	switch core.KindOf(err) {
	case core.KindAuthorization:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindStateConflict:
		return http.StatusConflict
	case core.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func componentOf(err error) string {
	var (
		authErr     *core.AuthorizationError
		notFound    *core.NotFoundError
		conflict    *core.StateConflictError
		invalidArgs *core.InvalidInputError
	)
	switch {
	case errors.As(err, &authErr):
		return authErr.Component
	case errors.As(err, &notFound):
		return notFound.Component
	case errors.As(err, &conflict):
		return conflict.Component
	case errors.As(err, &invalidArgs):
		return invalidArgs.Component
	default:
		return ""
	}
}

func pathID(r *http.Request, name string) (uint64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, core.Invalid("http", name, raw, core.CodeInvalidArgument, "must be an unsigned integer")
	}
	return id, nil
}

func pathModule(r *http.Request, name string) (kernel.ModuleCode, error) {
	return kernel.ParseModuleCode(mux.Vars(r)[name])
}

func pathAddress(r *http.Request, name string) (util.Uint160, error) {
	return kernel.ParseAddress(mux.Vars(r)[name])
}

func pathPrincipal(r *http.Request, name string) (kernel.Principal, error) {
	return kernel.ParsePrincipal(mux.Vars(r)[name])
}

func queryLimit(r *http.Request, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return core.ClampLimit(n, def, max)
}
