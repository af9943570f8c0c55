package handlers

import (
	"encoding/json"
	"net/http"

	"feedback-mailer/services"

	log "github.com/sirupsen/logrus"
)

// APIResponse struct for consistent JSON responses
type APIResponse struct {
	Message string      `json:"message"`
	Status  string      `json:"status"` // e.g., "success", "error"
	Kind    string      `json:"kind,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("Error marshalling JSON")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(response)
}

// errorResponse sends an error JSON response
func errorResponse(w http.ResponseWriter, message string, statusCode int) {
	respondWithJSON(w, statusCode, APIResponse{
		Message: message,
		Status:  "error",
	})
}

// successResponse sends a success JSON response
func successResponse(w http.ResponseWriter, message string, data interface{}) {
	respondWithJSON(w, http.StatusOK, APIResponse{
		Message: message,
		Status:  "success",
		Data:    data,
	})
}

var kindStatus = map[services.ErrorKind]int{
	services.KindValidation:       http.StatusBadRequest,
	services.KindAuthorization:    http.StatusForbidden,
	services.KindNotFound:         http.StatusNotFound,
	services.KindQuota:            http.StatusTooManyRequests,
	services.KindConflict:         http.StatusConflict,
	services.KindDelivery:         http.StatusBadGateway,
	services.KindStoreUnavailable: http.StatusServiceUnavailable,
}

// serviceError maps an engine error to a status code and error envelope.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := services.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	entry := requestLogger(r).WithError(err).WithField("kind", kind.String())
	message := err.Error()
	if status >= http.StatusInternalServerError && kind != services.KindDelivery {
		entry.Error("Request failed")
		message = "Internal server error"
	} else {
		entry.Info("Request rejected")
	}
	respondWithJSON(w, status, APIResponse{
		Message: message,
		Status:  "error",
		Kind:    kind.String(),
	})
}
