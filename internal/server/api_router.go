package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cbeuw/chanmux/internal/multiplex"
	"github.com/cbeuw/chanmux/internal/server/usage"
	gmux "github.com/gorilla/mux"
)

type APIRouter struct {
	*gmux.Router
	sessions *Sessions
	ledger   *usage.Ledger
}

// APIRouterOf serves the admin API. ledger may be nil, in which case the
// usage endpoints respond with 404.
func APIRouterOf(sessions *Sessions, ledger *usage.Ledger) *APIRouter {
	ret := &APIRouter{
		sessions: sessions,
		ledger:   ledger,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID}", ar.closeSessionHlr).Methods("DELETE")
	ar.HandleFunc("/admin/sessions/{ID}/channels", ar.listChannelsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID}/channels/{channel:.+}", ar.closeChannelHlr).Methods("DELETE")
	ar.HandleFunc("/admin/usage", ar.listUsageHlr).Methods("GET")
	ar.HandleFunc("/admin/usage/{channel:.+}", ar.getUsageHlr).Methods("GET")
	ar.HandleFunc("/admin/usage/{channel:.+}", ar.deleteUsageHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) sessionOf(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id, err := strconv.ParseUint(gmux.Vars(r)["ID"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	sesh, ok := ar.sessions.Get(uint32(id))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sesh, true
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.sessions.List())
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	sesh, ok := ar.sessionOf(w, r)
	if !ok {
		return
	}
	_ = sesh.Close()
	ar.sessions.Remove(sesh.ID)
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) listChannelsHlr(w http.ResponseWriter, r *http.Request) {
	sesh, ok := ar.sessionOf(w, r)
	if !ok {
		return
	}
	stats := []multiplex.ChannelStats{}
	for _, id := range sesh.Mux.OpenChannelIDs() {
		if s, ok := sesh.Mux.ChannelStats(id); ok {
			stats = append(stats, s)
		}
	}
	writeJSON(w, stats)
}

func (ar *APIRouter) closeChannelHlr(w http.ResponseWriter, r *http.Request) {
	sesh, ok := ar.sessionOf(w, r)
	if !ok {
		return
	}
	ch, ok := sesh.Mux.GetOpenChannel(gmux.Vars(r)["channel"])
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if err := ch.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) hasLedger(w http.ResponseWriter) bool {
	if ar.ledger == nil {
		http.Error(w, "usage ledger is disabled", http.StatusNotFound)
		return false
	}
	return true
}

func (ar *APIRouter) listUsageHlr(w http.ResponseWriter, r *http.Request) {
	if !ar.hasLedger(w) {
		return
	}
	recs, err := ar.ledger.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (ar *APIRouter) getUsageHlr(w http.ResponseWriter, r *http.Request) {
	if !ar.hasLedger(w) {
		return
	}
	rec, err := ar.ledger.Get(gmux.Vars(r)["channel"])
	if err == usage.ErrChannelNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (ar *APIRouter) deleteUsageHlr(w http.ResponseWriter, r *http.Request) {
	if !ar.hasLedger(w) {
		return
	}
	err := ar.ledger.Delete(gmux.Vars(r)["channel"])
	if err == usage.ErrChannelNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
