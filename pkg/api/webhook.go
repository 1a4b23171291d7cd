package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// qualifying pull request actions; everything else is acknowledged and
// dropped
var triggerActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// PullRequestEvent is the subset of a forge's pull request webhook
// payload that matters here
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// SetWebhookSecret enables HMAC signature verification on webhook
// deliveries
func (h *MasterHandler) SetWebhookSecret(secret string) {
	h.webhookSecret = secret
}

// PullRequestHook creates a run for qualifying pull request events
func (h *MasterHandler) PullRequestHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if h.webhookSecret != "" && !verifySignature(body, r.Header.Get("X-Hub-Signature-256"), h.webhookSecret) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !triggerActions[event.Action] {
		// Acknowledged so the forge does not redeliver
		log.Printf("Ignoring pull request action %q", event.Action)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if event.Repository.FullName == "" || event.PullRequest.Head.SHA == "" {
		http.Error(w, "Payload missing repository or head SHA", http.StatusBadRequest)
		return
	}

	run, err := h.startRun(&models.RunRequest{
		Repo:      event.Repository.FullName,
		Ref:       event.PullRequest.Head.Ref,
		CommitSHA: event.PullRequest.Head.SHA,
		PRNumber:  event.Number,
		Event:     models.EventPullRequest,
	})
	if err != nil {
		log.Printf("Error creating run from webhook: %v", err)
		http.Error(w, "Failed to create run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(run)
}

// verifySignature checks the sha256= HMAC header against the payload
func verifySignature(body []byte, header, secret string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}
