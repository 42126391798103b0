package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/store"
)

const maxWebhookBody = 1 << 20

// WebhookHandler turns GitHub push events into single-repo crawler
// triggers. Payloads are authenticated with the shared secret stored on
// the configuration row.
type WebhookHandler struct {
	store   *store.Store
	enqueue func(repoID int64, sha, ref string)
}

// NewWebhookHandler creates a handler that resolves payloads against
// the store and forwards matches through enqueue.
func NewWebhookHandler(st *store.Store, enqueue func(repoID int64, sha, ref string)) *WebhookHandler {
	return &WebhookHandler{store: st, enqueue: enqueue}
}

type pushPayload struct {
	After      string `json:"after"`
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	cfg, err := h.store.GetConfiguration(r.Context())
	if err != nil {
		slog.Error("Failed to load configuration for webhook", "error", err)
		http.Error(w, "configuration unavailable", http.StatusInternalServerError)
		return
	}
	if !verifySignature(cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("Rejected webhook with bad signature")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.After == "" || payload.Ref == "" {
		http.Error(w, "missing after or ref", http.StatusBadRequest)
		return
	}

	repo, err := h.store.FindRepoByURL(r.Context(), payload.Repository.CloneURL, payload.Repository.FullName)
	if err == store.ErrNotFound {
		slog.Info("Webhook for untracked repo", "repo", payload.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		slog.Error("Failed to resolve webhook repo", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	ref := normalizeRef(payload.Ref)
	slog.Info("Webhook push", "repo", repo.URL, "sha", payload.After, "ref", ref)
	h.enqueue(repo.ID, payload.After, ref)
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the GitHub HMAC header "sha256=<hex>" against
// the payload.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, "sha256=")))
}

// normalizeRef maps "refs/heads/X" to "heads/X" and "refs/tags/X" to
// "tags/X", the form channel patterns match against.
func normalizeRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/")
}
