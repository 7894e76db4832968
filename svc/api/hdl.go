package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"github.com/SnarkyB/delerium-server/cfg"
	"github.com/SnarkyB/delerium-server/pkg/domain"
	"github.com/SnarkyB/delerium-server/svc/lim"
	"github.com/SnarkyB/delerium-server/svc/svc"
	"github.com/SnarkyB/delerium-server/svc/util"
)

const maxMimeLen = 128

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type PasteMeta struct {
	ExpireTs     int64  `json:"expireTs"`
	ViewsAllowed *int   `json:"viewsAllowed,omitempty"`
	Mime         string `json:"mime,omitempty"`
	SingleView   bool   `json:"singleView,omitempty"`
}

type CreateReq struct {
	CT   string             `json:"ct"`
	IV   string             `json:"iv"`
	Meta PasteMeta          `json:"meta"`
	Pow  *svc.PowSubmission `json:"pow,omitempty"`
}

type CreateResp struct {
	ID          string `json:"id"`
	DeleteToken string `json:"deleteToken"`
}

type GetResp struct {
	CT        string    `json:"ct"`
	IV        string    `json:"iv"`
	Meta      PasteMeta `json:"meta"`
	ViewsLeft *int      `json:"viewsLeft,omitempty"`
}

// CreatePaste admits one client-encrypted blob. Everything after JSON
// decoding is the service's concern; the handler only shapes the wire
// format and derives the opaque client key.
func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	// base64 inflates the ciphertext by 4/3 and the envelope adds meta
	// and pow fields on top
	limit := h.cfg.MaxPasteSize*2 + 4096
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrSizeInvalid, requestID)
			return
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	ct, err := base64.StdEncoding.DecodeString(req.CT)
	if err != nil {
		log.Warn().Err(err).Msg("ciphertext is not valid base64")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	iv, err := base64.StdEncoding.DecodeString(req.IV)
	if err != nil {
		log.Warn().Err(err).Msg("iv is not valid base64")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	if !mimeAcceptable(req.Meta.Mime) {
		log.Warn().Msg("rejected mime hint")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	clientKey, ok := h.clientKey(w, r)
	if !ok {
		return
	}
	params := domain.CreateParams{
		Ciphertext:   ct,
		IV:           iv,
		Mime:         req.Meta.Mime,
		ExpiresAt:    time.Unix(req.Meta.ExpireTs, 0),
		ViewsAllowed: req.Meta.ViewsAllowed,
		SingleView:   req.Meta.SingleView,
		ClientKey:    clientKey,
	}
	if maxExpiry := time.Now().Add(h.cfg.MaxExpiry); params.ExpiresAt.After(maxExpiry) {
		log.Warn().Time("requested", params.ExpiresAt).Msg("expiry exceeds max, capping")
		params.ExpiresAt = maxExpiry
	}
	paste, deleteToken, err := h.paste.Create(r.Context(), params, req.Pow)
	if err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).Msg("paste creation rejected")
		} else {
			log.Error().Err(err).Msg("failed to create paste")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Time("expires_at", paste.ExpiresAt).
		Bool("single_view", paste.SingleView).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:          paste.ID,
		DeleteToken: deleteToken,
	})
}

// GetPaste serves one view. Absent, expired and exhausted all present as
// the same 404 so the id space cannot be probed for state.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	payload, err := h.paste.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("failed to retrieve paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(GetResp{
		CT: base64.StdEncoding.EncodeToString(payload.Ciphertext),
		IV: base64.StdEncoding.EncodeToString(payload.IV),
		Meta: PasteMeta{
			ExpireTs:   payload.ExpiresAt.Unix(),
			Mime:       payload.Mime,
			SingleView: payload.SingleView,
		},
		ViewsLeft: payload.ViewsLeft,
	})
}

// DeletePaste removes a paste ahead of expiry, gated by its deletion
// token from the query string.
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	token := r.URL.Query().Get("token")
	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		if domain.Status(err) < 500 {
			log.Warn().
				Err(err).
				Str("paste_id", id).
				Str("token", util.RedactToken(token)).
				Msg("deletion rejected")
		} else {
			log.Error().Err(err).Str("paste_id", id).Msg("failed to delete paste")
		}
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPow hands out a proof-of-work challenge for an upcoming create.
// With the issuer disabled the endpoint answers 204 and creates skip the
// pow gate entirely.
func (h *Hdl) GetPow(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if !h.paste.PowEnabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ch, err := h.paste.IssueChallenge()
	if err != nil {
		log.Error().Err(err).Msg("failed to issue pow challenge")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(ch)
}

func (h *Hdl) clientKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	ipHasher, err := util.GetIPHasher()
	if err != nil {
		log.Error().Err(err).Msg("IP hasher not initialized")
		writeErr(w, domain.ErrInternalServer, requestID)
		return "", false
	}
	key, err := ipHasher.HashIP(realIP)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(realIP)).Msg("failed to hash client IP")
		writeErr(w, domain.ErrInternalServer, requestID)
		return "", false
	}
	return key, true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
		err = domain.ErrInternalServer
	}
	if statusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(statusCode)
	resp := domain.ToResp(err)
	json.NewEncoder(w).Encode(struct {
		domain.ErrResp
		RequestID string `json:"request_id,omitempty"`
	}{ErrResp: resp, RequestID: requestID})
}

// mimeAcceptable reports whether the advertised mime hint is safe to
// store as submitted. The hint is never rewritten; readers get the exact
// bytes back, so anything that is not already bounded, NFC-normalized
// UTF-8 free of control runes and parseable as a media type is rejected
// at the door instead of being cleaned up.
func mimeAcceptable(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > maxMimeLen || !utf8.ValidString(s) {
		return false
	}
	if norm.NFC.String(s) != s {
		return false
	}
	for _, r := range s {
		if r < 32 || r == 127 {
			return false
		}
	}
	_, _, err := mime.ParseMediaType(s)
	return err == nil
}
