package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/paginator"
)

// router builds the debug API: health, metrics, the current snapshot and a
// few intents for driving the engine from curl.
func (a *App) router() *mux.Router {
	// routes stay on the root router so a method mismatch answers 405
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/snapshot", a.snapshotHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", a.listConversationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}", a.getConversationHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/groups", a.groupsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/open", a.openHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/active/older", a.loadOlderHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/active/draft", a.draftHandler).Methods(http.MethodPut)
	r.HandleFunc("/v1/active/send", a.sendHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/active/messages/{id}/resend", a.resendHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/resync", a.resyncHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/outbox", a.outboxHandler).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": req.Method + " not allowed on " + req.URL.Path})
	})
	return r
}

// startHTTP binds the debug listener and serves it until ctx is done. The
// returned channel yields the serve error, nil after a clean shutdown.
func (a *App) startHTTP(ctx context.Context) (<-chan error, error) {
	addr := a.eff.Config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &fasthttp.Server{
		Handler:            fasthttpadaptor.NewFastHTTPHandler(a.router()),
		Name:               "chatsync-debug",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			logger.Warn("debug_server_shutdown_failed", "error", err)
		}
	}()
	logger.Info("debug_server_listening", "addr", ln.Addr().String())
	return errCh, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case paginator.IsNoop(err):
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop", "reason": err.Error()})
		return
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch chaterr.GetKind(err) {
		case chaterr.KindValidation:
			status = http.StatusBadRequest
		case chaterr.KindNotFound:
			status = http.StatusNotFound
		case chaterr.KindNetwork:
			status = http.StatusBadGateway
		case chaterr.KindCanceled:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}

func (a *App) snapshotHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Snapshot())
}

func (a *App) listConversationsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Snapshot().Conversations)
}

func (a *App) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.engine.Conversation(id)
	if !ok {
		writeError(w, chaterr.E(chaterr.Op("app.GetConversation"), chaterr.KindNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// groupsHandler returns the date groups of the open conversation. Only the
// active conversation keeps a message list.
func (a *App) groupsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	act := a.engine.Snapshot().Active
	if act == nil || act.Conversation.ID != id {
		writeError(w, chaterr.E(chaterr.Op("app.Groups"), chaterr.KindNotFound, "conversation "+id+" is not open"))
		return
	}
	writeJSON(w, http.StatusOK, act.Groups)
}

func (a *App) openHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Open(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "opened"})
}

func (a *App) loadOlderHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.LoadOlder(r.Context(), r.URL.Query().Get("anchor")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading"})
}

type draftRequest struct {
	Text string `json:"text"`
}

func (a *App) draftHandler(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chaterr.Invalid("app.SetDraft", "invalid JSON body"))
		return
	}
	if err := a.engine.SetDraft(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	snap := a.engine.Snapshot()
	if snap.Active == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no conversation open"})
		return
	}
	writeJSON(w, http.StatusOK, snap.Active.Draft)
}

func (a *App) sendHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Send(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (a *App) resendHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Resend(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (a *App) resyncHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.RefreshConversations(r.Context(), "manual")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": n})
}

func (a *App) outboxHandler(w http.ResponseWriter, _ *http.Request) {
	recs, err := a.outbox.All()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
