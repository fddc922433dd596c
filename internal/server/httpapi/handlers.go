package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/dmitrijs2005/vaultsync/internal/api"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.users.Register(r.Context(), req.Username, req.Salt, req.Verifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info(r.Context(), "Registered", "username", user.UserName)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) salt(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		s.writeError(w, r, fmt.Errorf("%w: username is required", errBadRequest))
		return
	}
	salt, err := s.users.GetSalt(r.Context(), username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SaltResponse{Salt: salt})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tokens, err := s.users.Login(r.Context(), req.Username, req.Verifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req api.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tokens, err := s.users.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken})
}

func userID(r *http.Request) string {
	id, _ := UserIDFromContext(r.Context())
	return id
}

func (s *Server) listVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.vaults.List(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]api.Vault, 0, len(vaults))
	for i := range vaults {
		out = append(out, vaultToAPI(&vaults[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createVault(w http.ResponseWriter, r *http.Request) {
	var req api.Vault
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v := vaultFromAPI(req)
	if err := s.vaults.Create(r.Context(), userID(r), v); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vaultToAPI(v))
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.vaults.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultToAPI(v))
}

func (s *Server) updateVault(w http.ResponseWriter, r *http.Request) {
	var req api.VaultUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.vaults.Update(r.Context(), userID(r), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultToAPI(v))
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.vaults.Snapshot(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToAPI(snap))
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var req api.Version
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.versions.Create(r.Context(), userID(r), versionFromAPI(req)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionToAPI(v))
}

func purgeRequested(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("purge")
	if raw == "" {
		return false, nil
	}
	purge, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: purge: %v", errBadRequest, err)
	}
	return purge, nil
}

func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request) {
	purge, err := purgeRequested(r)
	if err == nil {
		err = s.versions.DeleteVersion(r.Context(), userID(r), r.PathValue("id"), purge)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.versions.GetItem(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, itemToAPI(it))
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	purge, err := purgeRequested(r)
	if err == nil {
		err = s.versions.DeleteItem(r.Context(), userID(r), r.PathValue("id"), purge)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams the vault's change events over a websocket until either
// side goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	vaultID := r.PathValue("id")
	if _, err := s.vaults.Get(r.Context(), userID(r), vaultID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.hub.Subscribe(vaultID)
	defer unsubscribe()

	// The feed is one way; CloseRead notices when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug(ctx, "change feed opened", "vault", vaultID)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug(ctx, "change feed closed", "vault", vaultID, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev api.VaultEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
