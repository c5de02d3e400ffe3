package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/distributor/distributor/pkg/claim"
	"github.com/malbeclabs/distributor/distributor/pkg/merkle"
	"github.com/malbeclabs/distributor/distributor/pkg/processor"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 64 << 10
)

type ctxKey struct{}

// requestID propagates or assigns an X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type claimRequest struct {
	Recipient      solana.PublicKey `json:"recipient"`
	AmountUnlocked uint64           `json:"amount_unlocked"`
	AmountLocked   uint64           `json:"amount_locked"`
	Proof          []merkle.Hash    `json:"proof"`
	Signature      solana.Signature `json:"signature"`
}

type claimResponse struct {
	Address      solana.PublicKey `json:"address"`
	Distribution solana.PublicKey `json:"distribution"`
	Record       claim.Record     `json:"record"`
}

type newClaimResponse struct {
	claimResponse
	Destination        solana.PublicKey `json:"destination"`
	NumNodesClaimed    uint64           `json:"num_nodes_claimed"`
	TotalAmountClaimed uint64           `json:"total_amount_claimed"`
	Timestamp          time.Time        `json:"timestamp"`
}

// statusFor maps a processor result code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case processor.CodeUnauthenticated:
		return http.StatusUnauthorized
	case processor.CodeInvalidProof, processor.CodeUnauthorized:
		return http.StatusForbidden
	case processor.CodeAlreadyClaimed,
		processor.CodeMaxNodesExceeded,
		processor.CodeExceededMaxClaim,
		processor.CodeInsufficientFunds:
		return http.StatusConflict
	case processor.CodeClaimExpired:
		return http.StatusGone
	case processor.CodeArithmetic:
		return http.StatusUnprocessableEntity
	case processor.CodeNotFound:
		return http.StatusNotFound
	case processor.CodeInvalidRequest:
		return http.StatusBadRequest
	case processor.CodeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor hides internal error detail from clients.
func messageFor(code string, err error) string {
	switch code {
	case processor.CodeInternal:
		return "internal error"
	case processor.CodeInvalidProof:
		// No sub-reason: the client learns only that the proof did not verify.
		return "invalid proof"
	default:
		return err.Error()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := processor.Code(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	s.writeJSON(w, status, errorResponse{Error: code, Message: messageFor(code, err)})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", processor.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func pathKey(r *http.Request, name string) (solana.PublicKey, error) {
	raw := chi.URLParam(r, name)
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, badRequest("invalid %s %q", name, raw)
	}
	return key, nil
}

func (s *Server) handleNewClaim(w http.ResponseWriter, r *http.Request) {
	address, err := pathKey(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body claimRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, badRequest("invalid claim body: %v", err))
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		s.writeError(w, r, badRequest("claim body must be a single JSON object"))
		return
	}

	if body.Recipient.IsZero() {
		s.writeError(w, r, badRequest("recipient is required"))
		return
	}
	if err := authenticate(address, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.cfg.Claimer.NewClaim(r.Context(), processor.Request{
		Distribution:   address,
		Recipient:      body.Recipient,
		AmountUnlocked: body.AmountUnlocked,
		AmountLocked:   body.AmountLocked,
		Proof:          body.Proof,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, newClaimResponse{
		claimResponse: claimResponse{
			Address:      res.Claim.Address,
			Distribution: res.Claim.Distribution,
			Record:       res.Record,
		},
		Destination:        res.Destination,
		NumNodesClaimed:    res.NumNodesClaimed,
		TotalAmountClaimed: res.TotalAmountClaimed,
		Timestamp:          res.Timestamp,
	})
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	address, err := pathKey(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.cfg.Claimer.Distribution(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	address, err := pathKey(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recipient, err := pathKey(r, "recipient")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, rec, err := s.cfg.Claimer.Claim(r.Context(), address, recipient)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claimResponse{
		Address:      key.Address,
		Distribution: key.Distribution,
		Record:       *rec,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Claimer.Ping(ctx); err != nil {
		s.log.Warn("server: readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}
