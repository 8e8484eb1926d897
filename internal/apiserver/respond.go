package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

type errorResponse struct {
	Error string   `json:"error"`
	Kind  string   `json:"kind,omitempty"`
	Logs  []string `json:"logs,omitempty"`
}

// respondErr maps the error taxonomy onto status codes. Stale state carries
// the simulation logs when there are any.
func (s *Service) respondErr(w http.ResponseWriter, op string, err error) {
	status, kind := classify(err)
	body := errorResponse{Error: err.Error(), Kind: kind}
	switch status {
	case http.StatusConflict:
		body.Logs = dexerr.SimulationLogs(err)
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		s.logger.Error(op+" failed", zap.Error(err))
		if status == http.StatusInternalServerError {
			body.Error = op + " failed"
		}
	default:
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	s.respondJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, dexerr.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, mirror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dexerr.ErrStaleState):
		return http.StatusConflict, "stale_state"
	case errors.Is(err, dexerr.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, dexerr.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, "remote_unavailable"
	case errors.Is(err, dexerr.ErrDerivation):
		return http.StatusInternalServerError, "derivation"
	default:
		return http.StatusInternalServerError, ""
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func decodeJSONBody(r *http.Request, destination any) error {
	const op = "decode request"
	if r.Body == nil {
		return dexerr.InvalidInput(op, "request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return dexerr.InvalidInput(op, "invalid request body: %v", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return dexerr.InvalidInput(op, "invalid request body: multiple JSON values")
	}
	return nil
}

// fields collects parse failures so one response lists every bad field.
type fields struct {
	errs []string
}

func (f *fields) key(name, raw string) solana.PublicKey {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		f.errs = append(f.errs, name+" is required")
		return solana.PublicKey{}
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		f.errs = append(f.errs, fmt.Sprintf("%s: %v", name, err))
	}
	return pk
}

func (f *fields) amount(name, raw string) sdkmath.Int {
	v, ok := sdkmath.NewIntFromString(strings.TrimSpace(raw))
	if !ok {
		f.errs = append(f.errs, name+" must be an integer")
		return sdkmath.Int{}
	}
	return v
}

// signedAmount treats an empty value as zero.
func (f *fields) signedAmount(name, raw string) sdkmath.Int {
	if strings.TrimSpace(raw) == "" {
		return sdkmath.ZeroInt()
	}
	return f.amount(name, raw)
}

func (f *fields) decimal(name, raw string) sdkmath.LegacyDec {
	v, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(raw))
	if err != nil {
		f.errs = append(f.errs, fmt.Sprintf("%s: %v", name, err))
		return sdkmath.LegacyDec{}
	}
	return v
}

func (f *fields) require(name, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		f.errs = append(f.errs, name+" is required")
	}
	return raw
}

func intString(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

func (f *fields) err(op string) error {
	if len(f.errs) == 0 {
		return nil
	}
	return dexerr.InvalidInput(op, "%s", strings.Join(f.errs, "; "))
}
