// Package models defines the core data structures for FoxBot.
//
// It includes the conversation, question and answer records shared across
// modules, the tracking payload carried on messages, and the error taxonomy
// used at the flow-engine boundary.
package models

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	// StatusStarted is the state of a freshly created conversation before the
	// question has been recorded.
	StatusStarted ConversationStatus = "sender_started_conversation"
	// StatusAsked indicates the question exists but no responder has been
	// contacted yet.
	StatusAsked ConversationStatus = "sender_asked_question"
	// StatusQuestionSent indicates the question was routed to the active responder.
	StatusQuestionSent ConversationStatus = "sent_question_to_responder"
	// StatusWritingAnswer indicates the active responder is accumulating answer text.
	StatusWritingAnswer ConversationStatus = "responder_writes_answer"
	// StatusWaitingApproval indicates the finalized answer was sent to the asker.
	StatusWaitingApproval ConversationStatus = "waiting_for_approval"
	// StatusPending indicates no eligible responder was available; the
	// conversation resumes when one frees up.
	StatusPending ConversationStatus = "pending"
	// StatusFinished is the terminal state after the asker accepted the answer.
	StatusFinished ConversationStatus = "conversation_finished"
)

// IsValidStatus checks if the given conversation status is supported.
func IsValidStatus(s ConversationStatus) bool {
	switch s {
	case StatusStarted, StatusAsked, StatusQuestionSent, StatusWritingAnswer,
		StatusWaitingApproval, StatusPending, StatusFinished:
		return true
	default:
		return false
	}
}

// OccupiesAsker reports whether a conversation in this status still counts
// its asker as committed. Only a finished conversation frees the asker.
func (s ConversationStatus) OccupiesAsker() bool {
	return s != StatusFinished
}

// OccupiesResponder reports whether a conversation in this status still
// counts its active responder as committed.
func (s ConversationStatus) OccupiesResponder() bool {
	switch s {
	case StatusQuestionSent, StatusWritingAnswer, StatusWaitingApproval:
		return true
	default:
		return false
	}
}

// Role identifies how a message sender relates to a conversation.
type Role string

const (
	// RoleAsker is the user who originated the question.
	RoleAsker Role = "asker"
	// RoleResponder is the user currently assigned to answer.
	RoleResponder Role = "responder"
	// RoleNone is a sender who is neither the asker nor the active responder.
	RoleNone Role = "none"
)

// User is a chat participant known to the user directory.
type User struct {
	ID        int64     `json:"user_id"`
	Name      string    `json:"name"`
	ChannelID string    `json:"channel_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Question is an asked question, immutable after creation.
type Question struct {
	ID        int64     `json:"question_id"`
	Text      string    `json:"question_text"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Answer accumulates responder text for a question. Text is append-only
// until finalized; Approved flips from false to true exactly once.
type Answer struct {
	ID         int64     `json:"answer_id"`
	Text       string    `json:"answer_text"`
	QuestionID int64     `json:"question_id"`
	UserID     int64     `json:"user_id"`
	Approved   bool      `json:"approved"`
	CreatedAt  time.Time `json:"created_at"`
}

// Conversation is the central routing record, owned by the conversation store.
// AnswerID and ActiveResponderID use zero to mean absent.
type Conversation struct {
	ID                int64              `json:"conversation_id"`
	AskerID           int64              `json:"asker_id"`
	QuestionID        int64              `json:"question_id"`
	Status            ConversationStatus `json:"status"`
	ActiveResponderID int64              `json:"active_responder_id,omitempty"`
	ResponderQueue    []int64            `json:"responder_queue,omitempty"`
	AnswerID          int64              `json:"answer_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	LastMessageTime   time.Time          `json:"last_message_time"`
}

// RoleOf returns the sender's role in this conversation.
func (c *Conversation) RoleOf(userID int64) Role {
	switch {
	case userID == c.AskerID:
		return RoleAsker
	case c.ActiveResponderID != 0 && userID == c.ActiveResponderID:
		return RoleResponder
	default:
		return RoleNone
	}
}

// Command keywords recognized by the intent parser. Ask, list and help are
// prefix-matched; accept, reject and finalize require an exact match after
// lowercasing and trimming.
const (
	KeywordAsk      = "klausimas"
	KeywordList     = "neatsakyti klausimai"
	KeywordHelp     = "labas"
	KeywordAccept   = "taip"
	KeywordReject   = "ne"
	KeywordFinalize = "xxx"
)

// Outbound message formatting.
const (
	// QuestionPrefix precedes question text routed to a responder.
	QuestionPrefix = "Klausimas: "
	// AnswerPrefix precedes finalized answer text sent back to the asker.
	AnswerPrefix = "Atsakymas: "
	// UnansweredPrefix heads the unanswered-question listing.
	UnansweredPrefix = "Neatsakyti klausimai:\n"
	// AnswerSeparator joins accumulated answer segments.
	AnswerSeparator = "\n "
	// ApprovalPrompt asks the asker to accept or reject the answer.
	ApprovalPrompt = "Ar priimate atsakymą?\nAtsakykite taip arba ne."
	// BusyNotice is sent to an asker who already has an unresolved
	// conversation.
	BusyNotice = "Jūs jau turite nebaigtą pokalbį. Palaukite, kol jis bus baigtas."
	// WelcomeHelpMessage explains the available commands.
	WelcomeHelpMessage = "Labas! Aš esu FoxBot.\n" +
		"Užduokite klausimą pradėdami žinutę žodžiu \"klausimas\".\n" +
		"Atsakymą užbaikite žinute \"xxx\".\n" +
		"Neatsakytus klausimus pamatysite parašę \"neatsakyti klausimai\"."
)

// TrackingData is the correlation payload carried on messages that belong to
// a conversation. It must round-trip unchanged through outbound messages
// that continue a conversation.
type TrackingData struct {
	ConversationID int64            `json:"conversation_id,omitempty"`
	SystemMessage  bool             `json:"system_message,omitempty"`
	Flow           string           `json:"flow,omitempty"`
	UnansweredIDs  map[string]int64 `json:"unanswered_question_ids,omitempty"`
}

// Encode serializes tracking data to its JSON wire form.
func (t TrackingData) Encode() string {
	data, err := json.Marshal(t)
	if err != nil {
		// Only map values can fail to marshal here; treat as empty payload.
		slog.Error("TrackingData Encode failed", "error", err)
		return "{}"
	}
	return string(data)
}

// ParseTrackingData decodes tracking data from its JSON wire form. Malformed
// or empty payloads yield the zero value; a stale payload is never fatal.
func ParseTrackingData(raw string) TrackingData {
	var t TrackingData
	if raw == "" {
		return t
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		slog.Debug("ParseTrackingData: malformed payload ignored", "error", err)
		return TrackingData{}
	}
	return t
}

// InboundMessage is a message received from the chat channel.
type InboundMessage struct {
	From     string       `json:"from"` // sender channel identity
	Body     string       `json:"body"`
	Time     int64        `json:"time"`
	Tracking TrackingData `json:"tracking_data,omitempty"`
}

// OutboundMessage is a dispatch instruction produced by the flow engine.
// The engine never calls a transport directly.
type OutboundMessage struct {
	To       string       `json:"to"` // recipient channel identity
	Body     string       `json:"body"`
	Tracking TrackingData `json:"tracking_data,omitempty"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status event from the chat channel.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Error variables for the flow-engine boundary. All of these are recoverable:
// the caller logs and drops the message, never crashes.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrQuestionNotFound     = errors.New("question not found")
	ErrAnswerNotFound       = errors.New("answer not found")
	ErrInvalidTransition    = errors.New("invalid conversation transition")
	ErrServiceStopped       = errors.New("messaging service stopped")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope for every JSON endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
