package central

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/storage"
)

// HeartbeatHandler records worker liveness. Only workers registered at
// startup can heartbeat; an unknown zone gets a 404 so a misconfigured
// worker notices immediately.
type HeartbeatHandler struct {
	store  storage.Storage
	signer *auth.Signer
	log    *slog.Logger
}

// NewHeartbeatHandler creates the heartbeat handler.
func NewHeartbeatHandler(store storage.Storage, signer *auth.Signer, log *slog.Logger) *HeartbeatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HeartbeatHandler{store: store, signer: signer, log: log}
}

func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.signer.Verify(r.Header.Get(auth.HeaderWorkerSignature), r.Header.Get(auth.HeaderTimestamp), body); err != nil {
		h.log.Warn("heartbeat signature verification failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var hb protocol.Heartbeat
	if err := json.Unmarshal(body, &hb); err != nil || hb.Zone == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	found, err := h.store.UpdateWorkerHeartbeat(r.Context(), hb.Zone)
	if err != nil {
		h.log.Error("could not record heartbeat", "zone", hb.Zone, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		h.log.Warn("heartbeat from unknown zone", "zone", hb.Zone)
		http.Error(w, "unknown zone", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}
