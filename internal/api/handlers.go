package api

import (
	"log/slog"
	"net/http"

	"github.com/jdtnmai/foxbot/internal/models"
)

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	users, err := s.store.ListUsers()
	if err != nil {
		slog.Error("Server.usersHandler: failed to list users", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list users"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(users))
}

func (s *Server) questionsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	// ?unanswered=true narrows to questions without an approved answer.
	var (
		questions []models.Question
		err       error
	)
	if r.URL.Query().Get("unanswered") == "true" {
		questions, err = s.store.ListUnansweredQuestions()
	} else {
		questions, err = s.store.ListQuestions()
	}
	if err != nil {
		slog.Error("Server.questionsHandler: failed to list questions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list questions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(questions))
}

func (s *Server) answersHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	answers, err := s.store.ListAnswers()
	if err != nil {
		slog.Error("Server.answersHandler: failed to list answers", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list answers"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(answers))
}

func (s *Server) qaHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	records, err := s.store.ListApprovedQA()
	if err != nil {
		slog.Error("Server.qaHandler: failed to list approved QA", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list approved QA"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.convs.Snapshot()))
}
