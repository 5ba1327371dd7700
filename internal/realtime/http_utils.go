package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/n0fish/musicroom-sync/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

// writeRoomError answers with the same code an error frame would carry.
func writeRoomError(w http.ResponseWriter, err error) {
	frame := protocol.ErrorFrom(err)
	status := http.StatusInternalServerError
	switch frame.Code {
	case protocol.CodePermissionDenied, protocol.CodeLocationDenied:
		status = http.StatusForbidden
	case protocol.CodeInvalidArgument, protocol.CodeInvalidTrack, protocol.CodeVoteBudgetExceeded:
		status = http.StatusBadRequest
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodePersistenceFailure:
		status = http.StatusServiceUnavailable
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, frame)
}
