package main

import (
	"encoding/json"
	"net/http"
)

func JsonResponse(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"message": message,
		"data":    data,
	}

	json.NewEncoder(w).Encode(response)
}

func HandleHome(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Welcome to the NWC bridge"))
}

// StatusHandler answers the local synchronous status query.
type StatusHandler struct {
	dispatcher *Dispatcher
	registry   *ConnectionRegistry
}

func NewStatusHandler(dispatcher *Dispatcher, registry *ConnectionRegistry) *StatusHandler {
	return &StatusHandler{dispatcher: dispatcher, registry: registry}
}

func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	JsonResponse(w, http.StatusOK, "Status retrieved successfully", map[string]interface{}{
		"is_running":        h.dispatcher.Running(),
		"connections":       h.registry.Size(),
		"supported_methods": h.dispatcher.Methods(),
	})
}

// NotifyHandler lets the node's payment webhook push payment_received /
// payment_sent notifications to every paired client.
type NotifyHandler struct {
	notifier *NotificationPublisher
}

func NewNotifyHandler(notifier *NotificationPublisher) *NotifyHandler {
	return &NotifyHandler{notifier: notifier}
}

func (h *NotifyHandler) Post(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Type        string      `json:"type"`
		Transaction Transaction `json:"transaction"`
	}

	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		JsonResponse(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	kind := NotificationPaymentReceived
	if input.Type == string(NotificationPaymentSent) {
		kind = NotificationPaymentSent
	}

	h.notifier.NotifyAll(r.Context(), kind, input.Transaction)
	JsonResponse(w, http.StatusOK, "Notification published", nil)
}
