package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"feedback-mailer/database"
	"feedback-mailer/services"

	"github.com/gorilla/mux"
)

const defaultLogLimit = 500

// SubmitFeedbackRequest is the payload of POST /api/feedback and PUT /api/feedback/{id}.
type SubmitFeedbackRequest struct {
	Content   string `json:"content"`
	HasAnswer bool   `json:"has_answer"`
	Answer    string `json:"answer"`
}

// UpdateStatusRequest is the payload of POST /api/admin/feedback/{id}/status.
type UpdateStatusRequest struct {
	Status          string `json:"status"`
	RevisedProposal string `json:"revised_proposal"`
	AdminComment    string `json:"admin_comment"`
	HandlerName     string `json:"handler_name"`
	// HasAnswer and Answer revise the original-answer fields when HasAnswer is present.
	HasAnswer *bool  `json:"has_answer"`
	Answer    string `json:"answer"`
}

// DeleteFeedbackRequest is the optional payload of DELETE /api/admin/feedback/{id}.
type DeleteFeedbackRequest struct {
	Reason string `json:"reason"`
}

// ReminderRequest is the payload of the reminder endpoints. An empty
// identifier on POST /api/admin/reminders means every under-quota user.
type ReminderRequest struct {
	UserIdentifier string `json:"user_identifier"`
	TargetEmail    string `json:"target_email"`
}

// PruneRequest is the payload of POST /api/admin/notification-logs/prune.
type PruneRequest struct {
	Days int `json:"days"`
}

// NewRouter registers every API route on a gorilla/mux router.
func NewRouter(engine *services.Engine, retentionDays int) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/feedback", SubmitFeedbackHandler(engine)).Methods("POST")
	api.HandleFunc("/feedback", ListOwnFeedbackHandler(engine)).Methods("GET")
	api.HandleFunc("/feedback/{id}", GetFeedbackHandler(engine)).Methods("GET")
	api.HandleFunc("/feedback/{id}", EditFeedbackHandler(engine)).Methods("PUT")
	api.HandleFunc("/quota", QuotaHandler(engine)).Methods("GET")
	api.HandleFunc("/dashboard", DashboardHandler(engine)).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(RequireAdmin(engine))
	admin.HandleFunc("/overview", AdminOverviewHandler(engine)).Methods("GET")
	admin.HandleFunc("/users/today", SubmissionsTodayHandler(engine)).Methods("GET")
	admin.HandleFunc("/feedback", ListFeedbackHandler(engine)).Methods("GET")
	admin.HandleFunc("/feedback/{id}/status", UpdateStatusHandler(engine)).Methods("POST")
	admin.HandleFunc("/feedback/{id}", DeleteFeedbackHandler(engine)).Methods("DELETE")
	admin.HandleFunc("/feedback/{id}/resend", ResendNotificationHandler(engine)).Methods("POST")
	admin.HandleFunc("/feedback/{id}/history", HistoryHandler(engine)).Methods("GET")
	admin.HandleFunc("/reminders", RunRemindersHandler(engine)).Methods("POST")
	admin.HandleFunc("/reminders/send", SendReminderHandler(engine)).Methods("POST")
	admin.HandleFunc("/notification-logs", GetLogsHandler(engine)).Methods("GET")
	admin.HandleFunc("/notification-logs/stats", GetLogStatsHandler(engine)).Methods("GET")
	admin.HandleFunc("/notification-logs/prune", PruneLogsHandler(engine, retentionDays)).Methods("POST")
	admin.HandleFunc("/notification-logs/{logID:[0-9]+}", GetLogHandler(engine)).Methods("GET")
	return r
}

// RequireAdmin rejects callers that are not authenticated administrators.
func RequireAdmin(engine *services.Engine) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := currentUserID(r)
			if !ok {
				errorResponse(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if _, err := engine.RequireAdmin(r.Context(), userID); err != nil {
				serviceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeJSON decodes an optional JSON body into dst. An empty body is not
// an error.
func decodeJSON(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryLimit reads a positive ?limit, falling back to def.
func queryLimit(r *http.Request, def int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			return parsedLimit
		}
	}
	return def
}

// queryStatuses reads ?status: empty or "all" matches everything, "pending"
// matches New and Processing, anything else must name one status.
func queryStatuses(r *http.Request) ([]database.Status, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	switch strings.ToLower(raw) {
	case "", "all":
		return nil, nil
	case "pending":
		return services.PendingStatuses, nil
	}
	status, err := database.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	return []database.Status{status}, nil
}

func authenticated(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := currentUserID(r)
	if !ok {
		errorResponse(w, "Authentication required", http.StatusUnauthorized)
	}
	return userID, ok
}

// SubmitFeedbackHandler creates a feedback item for the caller.
func SubmitFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		var req SubmitFeedbackRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		item, err := engine.Submit(r.Context(), services.SubmitRequest{
			UserID:     userID,
			Content:    req.Content,
			HasAnswer:  req.HasAnswer,
			AnswerText: req.Answer,
		})
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Feedback submitted", item)
	}
}

// EditFeedbackHandler lets the caller revise their own New item.
func EditFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		var req SubmitFeedbackRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		item, err := engine.EditOwnContent(r.Context(), services.EditRequest{
			FeedbackID: mux.Vars(r)["id"],
			UserID:     userID,
			Content:    req.Content,
			HasAnswer:  req.HasAnswer,
			AnswerText: req.Answer,
		})
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Feedback updated", item)
	}
}

// QuotaHandler reports how many items the caller submitted today.
func QuotaHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		allowed, count, err := engine.CanSubmit(r.Context(), userID)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		data := map[string]interface{}{
			"allowed":        allowed,
			"feedback_count": count,
			"limit":          services.DailyQuota,
			"remaining":      services.DailyQuota - count,
		}
		successResponse(w, "Today's submission status retrieved", data)
	}
}

// ListOwnFeedbackHandler lists the caller's items, newest first.
func ListOwnFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		list, err := engine.ListOwnFeedback(r.Context(), userID, queryLimit(r, 0))
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Feedback history retrieved", list)
	}
}

// GetFeedbackHandler returns one item to its author or an administrator.
func GetFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		item, err := engine.GetFeedback(r.Context(), mux.Vars(r)["id"], userID)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Feedback retrieved", item)
	}
}

// DashboardHandler reports today's quota and the caller's latest items.
func DashboardHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authenticated(w, r)
		if !ok {
			return
		}
		d, err := engine.Dashboard(r.Context(), userID)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Dashboard retrieved", d)
	}
}

// ListFeedbackHandler searches every user's items by status and content.
func ListFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := queryStatuses(r)
		if err != nil {
			errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		page, err := engine.ListFeedback(r.Context(), database.FeedbackFilter{
			Statuses: statuses,
			Search:   r.URL.Query().Get("search"),
			Limit:    queryLimit(r, 0),
		})
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Feedback retrieved", page)
	}
}

// SubmissionsTodayHandler lists today's item count for every user.
func SubmissionsTodayHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := engine.SubmissionsToday(r.Context())
		if err != nil {
			serviceError(w, r, err)
			return
		}
		if days == nil {
			days = []services.UserDay{}
		}
		successResponse(w, "Today's submission status retrieved", days)
	}
}

// AdminOverviewHandler returns today's submissions and the review queues.
func AdminOverviewHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := engine.AdminOverview(r.Context())
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Overview retrieved", o)
	}
}

// UpdateStatusHandler applies an admin transition, then notifies the
// submitter. A failed notification is reported in the response but the
// transition stands.
func UpdateStatusHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operatorID, _ := currentUserID(r)
		var req UpdateStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		status, err := database.ParseStatus(req.Status)
		if err != nil {
			errorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		tr := services.TransitionRequest{
			FeedbackID:      mux.Vars(r)["id"],
			OperatorID:      operatorID,
			NewStatus:       status,
			RevisedProposal: req.RevisedProposal,
			AdminComment:    req.AdminComment,
			HandlerName:     req.HandlerName,
		}
		if req.HasAnswer != nil {
			tr.RevisedAnswer = &services.Answer{HasAnswer: *req.HasAnswer, Text: req.Answer}
		}
		outcome, err := engine.ApplyAdminTransition(r.Context(), tr)
		if err != nil {
			serviceError(w, r, err)
			return
		}

		notification := engine.NotifyTransition(r.Context(), outcome)
		if notification.Err != nil {
			requestLogger(r).WithError(notification.Err).Warn("Status notification failed")
		}
		message := "Feedback status updated"
		if outcome.Operation == database.OperationContentRevision {
			message = "Feedback revised and marked as resolved"
		}
		successResponse(w, message, map[string]interface{}{
			"feedback":     outcome.After,
			"old_status":   outcome.OldStatus(),
			"operation":    outcome.Operation,
			"notification": notification,
		})
	}
}

// DeleteFeedbackHandler removes an item, then notifies the submitter.
func DeleteFeedbackHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operatorID, _ := currentUserID(r)
		var req DeleteFeedbackRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		deleted, err := engine.Delete(r.Context(), services.DeleteRequest{
			FeedbackID: mux.Vars(r)["id"],
			OperatorID: operatorID,
			Reason:     req.Reason,
		})
		if err != nil {
			serviceError(w, r, err)
			return
		}

		notification := engine.NotifyDeletion(r.Context(), deleted)
		if notification.Err != nil {
			requestLogger(r).WithError(notification.Err).Warn("Deletion notification failed")
		}
		successResponse(w, "Feedback #"+deleted.Item.ID+" deleted", map[string]interface{}{
			"feedback":     deleted.Item,
			"notification": notification,
		})
	}
}

// ResendNotificationHandler repeats the status email for an item.
func ResendNotificationHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operatorID, _ := currentUserID(r)
		notification, err := engine.Resend(r.Context(), mux.Vars(r)["id"], operatorID)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		if notification.Err != nil {
			serviceError(w, r, notification.Err)
			return
		}
		successResponse(w, "Notification resent", notification)
	}
}

// HistoryHandler lists the operation log of an item.
func HistoryHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.Audit.History(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			serviceError(w, r, err)
			return
		}
		if entries == nil {
			entries = []database.OperationLogEntry{}
		}
		successResponse(w, "Operation history retrieved", entries)
	}
}

// RunRemindersHandler runs a reminder batch for everyone or one user.
func RunRemindersHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReminderRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		filter := database.AllUsers()
		if strings.TrimSpace(req.UserIdentifier) != "" {
			filter = services.ParseUserIdentifier(req.UserIdentifier)
		}
		result, err := engine.RunBatch(r.Context(), filter)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Reminder batch finished", result)
	}
}

// SendReminderHandler reminds one user, optionally at a chosen address.
func SendReminderHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReminderRequest
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.UserIdentifier) == "" {
			errorResponse(w, "Field 'user_identifier' is required.", http.StatusBadRequest)
			return
		}
		result, err := engine.SendOne(r.Context(), req.UserIdentifier, req.TargetEmail)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Reminder sent to "+result.Username, result)
	}
}

// GetLogsHandler lists the newest notification log entries.
func GetLogsHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := engine.Audit.NotificationLogs(r.Context(), queryLimit(r, defaultLogLimit))
		if err != nil {
			serviceError(w, r, err)
			return
		}
		if logs == nil {
			logs = []database.NotificationLogEntry{}
		}
		successResponse(w, "Notification logs retrieved successfully", logs)
	}
}

// GetLogHandler returns one notification log entry.
func GetLogHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["logID"], 10, 64)
		if err != nil {
			errorResponse(w, "Invalid log id", http.StatusBadRequest)
			return
		}
		entry, err := engine.Audit.NotificationLog(r.Context(), id)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Notification log retrieved", entry)
	}
}

// GetLogStatsHandler returns notification totals.
func GetLogStatsHandler(engine *services.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.NotificationStats(r.Context())
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Notification stats retrieved", stats)
	}
}

// PruneLogsHandler deletes notification log entries older than the
// requested number of days, or the configured retention.
func PruneLogsHandler(engine *services.Engine, retentionDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := PruneRequest{Days: retentionDays}
		if err := decodeJSON(r, &req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		removed, err := engine.PruneLogs(r.Context(), req.Days)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		successResponse(w, "Old notification logs removed", map[string]interface{}{"deleted_count": removed})
	}
}
