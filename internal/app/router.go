package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tape "github.com/oddlot/tape"
)

// routes builds the HTTP surface. Authentication is an upstream concern;
// the caller's identity arrives as the X-User-ID header set by the gateway.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chats/{chat_id}/messages", a.handleSendMessage)
	mux.HandleFunc("GET /v1/chats/{chat_id}/messages", a.handleListMessages)
	mux.HandleFunc("POST /v1/strategies", a.handleCreateStrategy)
	mux.HandleFunc("POST /v1/strategies/{id}/promote", a.handlePromote)
	mux.HandleFunc("POST /v1/strategies/{id}/approve", a.handleApprove)
	mux.HandleFunc("POST /v1/strategies/{id}/enable", a.handleEnable)
	mux.HandleFunc("GET /v1/strategies/{id}/executions", a.handleExecutions)
	mux.HandleFunc("POST /v1/sync", a.handleSync)
	return mux
}

func userID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSendMessage runs one agent turn and streams its events as SSE.
func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"text\": ...}")
		return
	}

	turn := tape.Turn{UserID: user, ChatID: r.PathValue("chat_id"), Text: body.Text}
	ch := make(chan tape.Event)
	go func() {
		if _, err := a.chat.RunStream(r.Context(), turn, ch); err != nil {
			a.log.Error("turn failed", "chat_id", turn.ChatID, "err", err)
		}
	}()
	if err := tape.ServeEvents(r.Context(), w, ch); err != nil && !errors.Is(err, r.Context().Err()) {
		a.log.Debug("sse stream ended", "chat_id", turn.ChatID, "err", err)
	}
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if userID(r) == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	msgs, err := a.store.Messages(r.Context(), r.PathValue("chat_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleCreateStrategy builds a strategy record from a chat's file triplet
// (entry.js, exit.js, config.json). The files must already validate.
func (a *App) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"chat_id\": ...}")
		return
	}

	st, err := a.strategyFromChat(r, user, body.ChatID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := a.store.PutStrategy(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (a *App) strategyFromChat(r *http.Request, user, chatID string) (tape.Strategy, error) {
	ctx := r.Context()
	var files [3]tape.ChatFile
	for i, name := range [...]string{"entry.js", "exit.js", "config.json"} {
		f, err := a.store.File(ctx, chatID, name)
		if err != nil {
			return tape.Strategy{}, fmt.Errorf("%s: %w", name, err)
		}
		files[i] = f
	}

	for i, fn := range [...]string{"entry", "exit"} {
		prog, err := a.engine.Compile(fn, string(files[i].Data))
		if err != nil {
			return tape.Strategy{}, err
		}
		if !prog.Declares(fn) {
			return tape.Strategy{}, fmt.Errorf("%s does not declare function %q", files[i].Name, fn)
		}
	}
	cfg, err := tape.ParseStrategyConfig(files[2].Data)
	if err != nil {
		return tape.Strategy{}, err
	}

	now := time.Now().UTC()
	return tape.Strategy{
		ID:            tape.NewID(),
		UserID:        user,
		ChatID:        chatID,
		Name:          cfg.Name,
		Thesis:        cfg.Thesis,
		Platform:      cfg.Platform,
		ExecFrequency: time.Duration(cfg.ExecFrequencySec) * time.Second,
		Capital:       cfg.Capital,
		Parameters:    cfg.Parameters,
		FileIDs:       tape.FileIDs{Entry: files[0].ID, Exit: files[1].ID, Config: files[2].ID},
		Mode:          cfg.Mode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// loadOwned fetches a strategy and enforces that it belongs to the caller.
// Cross-user access reads as absence.
func (a *App) loadOwned(r *http.Request, w http.ResponseWriter) (tape.Strategy, bool) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return tape.Strategy{}, false
	}
	st, err := a.store.StrategyByID(r.Context(), r.PathValue("id"))
	if err != nil || st.UserID != user {
		writeError(w, http.StatusNotFound, "strategy not found")
		return tape.Strategy{}, false
	}
	return st, true
}

func (a *App) handlePromote(w http.ResponseWriter, r *http.Request) {
	st, ok := a.loadOwned(r, w)
	if !ok {
		return
	}
	var body struct {
		Mode tape.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"mode\": ...}")
		return
	}
	if err := st.Promote(body.Mode); err != nil {
		var ng *tape.ErrNotGraduated
		if errors.As(err, &ng) {
			writeError(w, http.StatusUnprocessableEntity, ng.Reason)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := a.store.SetMode(r.Context(), st.ID, body.Mode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.Mode = body.Mode
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleApprove(w http.ResponseWriter, r *http.Request) {
	st, ok := a.loadOwned(r, w)
	if !ok {
		return
	}
	var body struct {
		Approved *bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"approved\": ...}")
		return
	}
	if err := a.store.SetApproved(r.Context(), st.ID, *body.Approved); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.Approved = *body.Approved
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleEnable(w http.ResponseWriter, r *http.Request) {
	st, ok := a.loadOwned(r, w)
	if !ok {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": ...}")
		return
	}
	if err := a.store.SetEnabled(r.Context(), st.ID, *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.Enabled = *body.Enabled
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleExecutions(w http.ResponseWriter, r *http.Request) {
	st, ok := a.loadOwned(r, w)
	if !ok {
		return
	}
	recs, err := a.store.Executions(r.Context(), st.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

// handleSync forces an activity refresh for the caller.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}
	res, err := a.sync.Sync(r.Context(), user, true)
	if err != nil {
		if errors.Is(err, tape.ErrAuthRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
