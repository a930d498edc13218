package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jdtnmai/foxbot/internal/convstore"
	"github.com/jdtnmai/foxbot/internal/models"
	"github.com/jdtnmai/foxbot/internal/store"
)

// Engine is the conversation flow engine. For every inbound message it
// decides the next conversation state, applies the mutation and enqueues
// outbound messages to the durable outbox. The engine never calls a
// transport directly; retrying a failed send is the outbox sender's job and
// never re-runs a decision.
//
// Decisions for a conversation run inside the conversation store's
// per-conversation critical section, so interleaved messages for one
// conversation serialize. Store reads and writes for questions and answers
// happen without the store-wide lock held; outbox enqueues happen after the
// critical section is released.
type Engine struct {
	convs   *convstore.Store
	store   store.Store
	outbox  store.OutboxRepo
	tracker Tracker
}

// Tracker receives participant channel ids of finished conversations so
// their channel-level conversation context can be discarded. Implemented by
// the messaging tracking registry.
type Tracker interface {
	Clear(recipient string)
}

// Option defines a configuration option for the engine.
type Option func(*Engine)

// WithTracker sets the tracker notified when conversations finish.
func WithTracker(t Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}

// NewEngine creates a flow engine over the given conversation store,
// question/answer store and outbox, applying any provided options.
func NewEngine(convs *convstore.Store, st store.Store, outbox store.OutboxRepo, opts ...Option) *Engine {
	e := &Engine{convs: convs, store: st, outbox: outbox}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleInbound processes one inbound message to completion. Unknown
// conversation references and invalid transitions are logged and dropped;
// the returned error reports only infrastructure failures (store or outbox
// I/O).
func (e *Engine) HandleInbound(msg models.InboundMessage) error {
	user, err := e.resolveSender(msg.From)
	if err != nil {
		return err
	}

	intent := ParseIntent(msg.Body)
	slog.Debug("Engine.HandleInbound", "user_id", user.ID, "intent", intent.Kind)

	switch intent.Kind {
	case IntentHelp:
		err = e.sendHelp(user)
	case IntentAsk:
		err = e.handleAsk(user, intent.Text)
	case IntentList:
		err = e.handleList(user)
	default:
		err = e.handleConversationMessage(user, intent, msg.Tracking)
	}
	if err != nil {
		return err
	}

	// Pending conversations are re-evaluated only here, after an ask or
	// list made the free-user set worth rescanning.
	if intent.Kind == IntentAsk || intent.Kind == IntentList {
		return e.resumePending()
	}
	return nil
}

// resolveSender maps a channel identity to a user, registering unknown
// senders as active users.
func (e *Engine) resolveSender(channelID string) (models.User, error) {
	user, err := e.store.GetUserByChannelID(channelID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return models.User{}, fmt.Errorf("failed to resolve sender %s: %w", channelID, err)
	}
	user, err = e.store.CreateUser(channelID, channelID, true)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to register sender %s: %w", channelID, err)
	}
	slog.Info("Engine.resolveSender registered new user", "user_id", user.ID, "channel_id", channelID)
	return user, nil
}

func (e *Engine) sendHelp(user models.User) error {
	return e.enqueue(models.OutboundMessage{
		To:       user.ChannelID,
		Body:     models.WelcomeHelpMessage,
		Tracking: models.TrackingData{SystemMessage: true, Flow: "help"},
	})
}

// handleAsk creates a question and a conversation for it, routing the
// question to a responder when one is free and parking the conversation as
// pending otherwise.
func (e *Engine) handleAsk(asker models.User, text string) error {
	if !e.convs.IsUserFree(asker.ID) {
		slog.Info("Engine.handleAsk asker busy", "user_id", asker.ID)
		return e.enqueue(models.OutboundMessage{
			To:       asker.ChannelID,
			Body:     models.BusyNotice,
			Tracking: models.TrackingData{SystemMessage: true, Flow: "busy"},
		})
	}

	question, err := e.store.CreateQuestion(text, asker.ID)
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}
	conv := e.convs.Create(asker.ID, question.ID)
	slog.Info("Engine.handleAsk conversation created",
		"conversation_id", conv.ID, "asker_id", asker.ID, "question_id", question.ID)

	return e.routeQuestion(conv.ID, asker.ID, question)
}

// routeQuestion assigns a free responder to the conversation and sends the
// question, or parks the conversation as pending when nobody is eligible.
func (e *Engine) routeQuestion(convID int64, askerID int64, question models.Question, exclude ...int64) error {
	responder, queue, ok, err := selectResponder(e.store, e.convs, append(exclude, askerID)...)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := e.convs.Apply(convID, convstore.Mutation{
			Status: convstore.Status(models.StatusPending),
		}); err != nil {
			return e.swallowConversationErr("routeQuestion", convID, err)
		}
		slog.Info("Engine.routeQuestion no responder free, parking conversation",
			"conversation_id", convID)
		return nil
	}

	if _, err := e.convs.Apply(convID, convstore.Mutation{
		Status:            convstore.Status(models.StatusQuestionSent),
		ActiveResponderID: convstore.Int64(responder.ID),
		ResponderQueue:    queue,
	}); err != nil {
		return e.swallowConversationErr("routeQuestion", convID, err)
	}
	slog.Info("Engine.routeQuestion question routed",
		"conversation_id", convID, "responder_id", responder.ID)

	return e.enqueue(models.OutboundMessage{
		To:   responder.ChannelID,
		Body: models.QuestionPrefix + question.Text,
		Tracking: models.TrackingData{
			ConversationID: convID,
			Flow:           "question",
		},
	})
}

// handleList sends the numbered unanswered-question listing. Question ids
// travel in tracking data keyed by their list position.
func (e *Engine) handleList(user models.User) error {
	questions, err := e.store.ListUnansweredQuestions()
	if err != nil {
		return fmt.Errorf("failed to list unanswered questions: %w", err)
	}

	body := models.UnansweredPrefix
	ids := make(map[string]int64, len(questions))
	for i, q := range questions {
		n := strconv.Itoa(i + 1)
		body += n + ". " + q.Text + "\n"
		ids[n] = q.ID
	}
	if len(questions) == 0 {
		body = models.UnansweredPrefix + "(nėra)"
	}

	return e.enqueue(models.OutboundMessage{
		To:   user.ChannelID,
		Body: body,
		Tracking: models.TrackingData{
			SystemMessage: true,
			Flow:          "unanswered",
			UnansweredIDs: ids,
		},
	})
}

// handleConversationMessage drives accept, reject, finalize and free-text
// events against the sender's conversation.
func (e *Engine) handleConversationMessage(user models.User, intent Intent, tracking models.TrackingData) error {
	convID := tracking.ConversationID
	if convID == 0 {
		convID = e.findConversationFor(user.ID)
	}
	if convID == 0 {
		if intent.Kind == IntentText {
			// Unrecognized chatter outside any conversation gets the help
			// text.
			return e.sendHelp(user)
		}
		slog.Info("Engine.handleConversationMessage no conversation for sender",
			"user_id", user.ID, "intent", intent.Kind)
		return nil
	}

	var outbound []models.OutboundMessage
	var storeErr error
	_, err := e.convs.WithConversation(convID, func(conv models.Conversation) *convstore.Mutation {
		m, out, derr := e.decide(conv, conv.RoleOf(user.ID), intent)
		if derr != nil {
			if !errors.Is(derr, models.ErrInvalidTransition) {
				// Store I/O failed mid-decision; surface it instead of
				// treating the message as an invalid transition.
				storeErr = derr
				return nil
			}
			slog.Info("Engine.handleConversationMessage transition dropped",
				"conversation_id", convID, "user_id", user.ID,
				"status", conv.Status, "intent", intent.Kind)
			return nil
		}
		outbound = out
		return m
	})
	if err != nil {
		return e.swallowConversationErr("handleConversationMessage", convID, err)
	}
	if storeErr != nil {
		return storeErr
	}

	e.clearTrackingIfFinished(convID)

	for _, msg := range outbound {
		if err := e.enqueue(msg); err != nil {
			return err
		}
	}
	return nil
}

// clearTrackingIfFinished drops both participants' channel tracking once
// their conversation finished, so later chatter from either of them is no
// longer attributed to it.
func (e *Engine) clearTrackingIfFinished(convID int64) {
	if e.tracker == nil {
		return
	}
	conv, err := e.convs.Get(convID)
	if err != nil || conv.Status != models.StatusFinished {
		return
	}
	for _, userID := range []int64{conv.AskerID, conv.ActiveResponderID} {
		if userID == 0 {
			continue
		}
		u, err := e.store.GetUser(userID)
		if err != nil {
			slog.Debug("Engine.clearTrackingIfFinished user lookup failed",
				"conversation_id", convID, "user_id", userID, "error", err)
			continue
		}
		e.tracker.Clear(u.ChannelID)
	}
}

// decide is the transition function keyed by (status, role). It returns the
// mutation to apply and the messages to send, or ErrInvalidTransition for a
// combination the state machine does not cover. It runs inside the
// conversation's critical section.
func (e *Engine) decide(conv models.Conversation, role models.Role, intent Intent) (*convstore.Mutation, []models.OutboundMessage, error) {
	// A sender with no role in the conversation never causes a transition.
	if role == models.RoleNone {
		return nil, nil, models.ErrInvalidTransition
	}

	switch conv.Status {
	case models.StatusQuestionSent:
		if role != models.RoleResponder {
			return nil, nil, models.ErrInvalidTransition
		}
		// Any first message from the responder, keywords included, opens
		// the answer.
		answer, err := e.store.CreateAnswer(intent.rawText(), conv.QuestionID, conv.ActiveResponderID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create answer: %w", err)
		}
		return &convstore.Mutation{
			Status:   convstore.Status(models.StatusWritingAnswer),
			AnswerID: convstore.Int64(answer.ID),
		}, nil, nil

	case models.StatusWritingAnswer:
		if role != models.RoleResponder {
			return nil, nil, models.ErrInvalidTransition
		}
		if intent.Kind == IntentFinalize {
			return e.finalizeAnswer(conv)
		}
		if _, err := e.store.AppendAnswerText(conv.AnswerID, intent.rawText()); err != nil {
			return nil, nil, fmt.Errorf("failed to append answer text: %w", err)
		}
		return nil, nil, nil

	case models.StatusWaitingApproval:
		if role != models.RoleAsker {
			return nil, nil, models.ErrInvalidTransition
		}
		switch intent.Kind {
		case IntentAccept:
			if err := e.store.ApproveAnswer(conv.AnswerID); err != nil {
				return nil, nil, fmt.Errorf("failed to approve answer: %w", err)
			}
			return &convstore.Mutation{
				Status: convstore.Status(models.StatusFinished),
			}, nil, nil
		case IntentReject:
			return e.rerouteAfterReject(conv)
		default:
			return nil, nil, models.ErrInvalidTransition
		}

	default:
		return nil, nil, models.ErrInvalidTransition
	}
}

// finalizeAnswer moves the conversation to waiting_for_approval and sends
// the accumulated answer plus the approval prompt to the asker.
func (e *Engine) finalizeAnswer(conv models.Conversation) (*convstore.Mutation, []models.OutboundMessage, error) {
	answer, err := e.store.GetAnswer(conv.AnswerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load answer %d: %w", conv.AnswerID, err)
	}
	asker, err := e.store.GetUser(conv.AskerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load asker %d: %w", conv.AskerID, err)
	}

	tracking := models.TrackingData{ConversationID: conv.ID, Flow: "approval"}
	out := []models.OutboundMessage{
		{To: asker.ChannelID, Body: models.AnswerPrefix + answer.Text, Tracking: tracking},
		{To: asker.ChannelID, Body: models.ApprovalPrompt, Tracking: tracking},
	}
	return &convstore.Mutation{
		Status: convstore.Status(models.StatusWaitingApproval),
	}, out, nil
}

// rerouteAfterReject clears the rejected answer and responder, then pops the
// next free responder from the conversation's queue. Queue entries that are
// merely busy or inactive right now have not been tried yet, so they stay at
// the head of the remaining queue for later reroutes. An exhausted queue
// parks the conversation as pending with no outbound message.
func (e *Engine) rerouteAfterReject(conv models.Conversation) (*convstore.Mutation, []models.OutboundMessage, error) {
	previous := conv.ActiveResponderID

	var next models.User
	var rest []int64
	found := false
	for i, id := range conv.ResponderQueue {
		if id == conv.AskerID || id == previous {
			continue
		}
		if !e.convs.IsUserFree(id) {
			rest = append(rest, id)
			continue
		}
		u, err := e.store.GetUser(id)
		if err != nil {
			if errors.Is(err, models.ErrUserNotFound) {
				continue
			}
			return nil, nil, fmt.Errorf("failed to load queued responder %d: %w", id, err)
		}
		if !u.Active {
			rest = append(rest, id)
			continue
		}
		next = u
		rest = append(rest, conv.ResponderQueue[i+1:]...)
		found = true
		break
	}

	if !found {
		slog.Info("Engine.rerouteAfterReject queue exhausted, parking conversation",
			"conversation_id", conv.ID)
		return &convstore.Mutation{
			Status:            convstore.Status(models.StatusPending),
			ActiveResponderID: convstore.Int64(0),
			AnswerID:          convstore.Int64(0),
			ClearQueue:        true,
		}, nil, nil
	}

	question, err := e.store.GetQuestion(conv.QuestionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load question %d: %w", conv.QuestionID, err)
	}
	slog.Info("Engine.rerouteAfterReject re-routing question",
		"conversation_id", conv.ID, "responder_id", next.ID)

	out := []models.OutboundMessage{{
		To:   next.ChannelID,
		Body: models.QuestionPrefix + question.Text,
		Tracking: models.TrackingData{
			ConversationID: conv.ID,
			Flow:           "question",
		},
	}}
	return &convstore.Mutation{
		Status:            convstore.Status(models.StatusQuestionSent),
		ActiveResponderID: convstore.Int64(next.ID),
		ResponderQueue:    rest,
		ClearQueue:        len(rest) == 0,
		AnswerID:          convstore.Int64(0),
	}, out, nil
}

// resumePending retries routing for parked conversations. Each pending
// conversation gets a fresh responder selection; conversations that still
// have nobody eligible stay pending.
func (e *Engine) resumePending() error {
	for _, conv := range e.convs.Pending() {
		question, err := e.store.GetQuestion(conv.QuestionID)
		if err != nil {
			slog.Error("Engine.resumePending failed to load question",
				"conversation_id", conv.ID, "question_id", conv.QuestionID, "error", err)
			continue
		}
		if err := e.routeQuestion(conv.ID, conv.AskerID, question); err != nil {
			return err
		}
	}
	return nil
}

// findConversationFor locates the sender's unresolved conversation when the
// inbound message carried no usable tracking data.
func (e *Engine) findConversationFor(userID int64) int64 {
	for _, conv := range e.convs.Snapshot() {
		switch conv.RoleOf(userID) {
		case models.RoleAsker:
			if conv.Status.OccupiesAsker() && conv.Status != models.StatusPending {
				return conv.ID
			}
		case models.RoleResponder:
			if conv.Status.OccupiesResponder() {
				return conv.ID
			}
		}
	}
	return 0
}

func (e *Engine) enqueue(msg models.OutboundMessage) error {
	id, err := e.outbox.EnqueueOutboxMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbound message: %w", err)
	}
	slog.Debug("Engine.enqueue outbound message queued", "outbox_id", id, "to", msg.To)
	return nil
}

// swallowConversationErr downgrades unknown-conversation errors to a log
// entry; anything else propagates.
func (e *Engine) swallowConversationErr(op string, convID int64, err error) error {
	if errors.Is(err, models.ErrConversationNotFound) {
		slog.Info("Engine "+op+" unknown conversation dropped", "conversation_id", convID)
		return nil
	}
	return err
}

// rawText returns the message text an intent carries into answer
// accumulation: keyword intents contribute their keyword verbatim.
func (i Intent) rawText() string {
	switch i.Kind {
	case IntentAccept:
		return models.KeywordAccept
	case IntentReject:
		return models.KeywordReject
	case IntentFinalize:
		return models.KeywordFinalize
	default:
		return i.Text
	}
}
