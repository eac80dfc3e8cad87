package wot

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
)

// Api is the JSON surface consumed by out-of-scope UI/RPC layers: identity
// and trust mutations and score queries. Subscriptions ride the websocket
// transport instead
type Api struct {
	engine  *Engine
	manager *SubscriptionManager
}

func NewApi(engine *Engine, manager *SubscriptionManager) *Api {
	return &Api{
		engine:  engine,
		manager: manager,
	}
}

func (self *Api) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/identities", self.identities)
	mux.HandleFunc("/identities/", self.identity)
	mux.HandleFunc("/own-identities", self.ownIdentities)
	mux.HandleFunc("/trusts", self.trusts)
	mux.HandleFunc("/scores", self.scores)
	return mux
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.V(2).Infof("[api]encode error = %s\n", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAlreadySubscribed):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalid):
		status = http.StatusBadRequest
	}
	writeJson(w, status, map[string]string{"error": err.Error()})
}

func identitySnapshotJson(identity *Identity) *IdentitySnapshot {
	return &IdentitySnapshot{
		Id:                 identity.Id,
		Edition:            identity.Edition,
		Nickname:           identity.Nickname,
		Contexts:           identity.Contexts,
		Properties:         identity.Properties,
		PublishesTrustList: identity.PublishesTrustList,
		FetchState:         identity.FetchState.String(),
		LastFetched:        identity.LastFetched,
		Own:                identity.Own,
	}
}

type createIdentityArgs struct {
	Id       string `json:"id"`
	Nickname string `json:"nickname"`
}

func (self *Api) identities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snapshots := []*IdentitySnapshot{}
		for _, identity := range self.engine.ListIdentities() {
			snapshots = append(snapshots, identitySnapshotJson(identity))
		}
		writeJson(w, http.StatusOK, snapshots)
	case http.MethodPost:
		var args createIdentityArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		id, err := ParseId(args.Id)
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		identity, err := self.engine.CreateIdentity(id, args.Nickname)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusCreated, identitySnapshotJson(identity))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (self *Api) identity(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Path[len("/identities/"):]
	id, err := ParseId(idStr)
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	switch r.Method {
	case http.MethodGet:
		identity, err := self.engine.GetIdentity(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJson(w, http.StatusOK, identitySnapshotJson(identity))
	case http.MethodDelete:
		if err := self.engine.DeleteIdentity(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createOwnIdentityArgs struct {
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key"`
	InsertKey string `json:"insert_key"`
	Restore   bool   `json:"restore,omitempty"`
}

func (self *Api) ownIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var args createOwnIdentityArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	publicKey, err := hex.DecodeString(args.PublicKey)
	if err != nil || len(publicKey) == 0 {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": "bad public_key"})
		return
	}
	var identity *Identity
	if args.Restore {
		identity, err = self.engine.RestoreOwnIdentity(publicKey, args.InsertKey)
	} else {
		identity, err = self.engine.CreateOwnIdentity(args.Nickname, publicKey, args.InsertKey)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusCreated, identitySnapshotJson(identity))
}

type setTrustArgs struct {
	TrusterId string `json:"truster_id"`
	TrusteeId string `json:"trustee_id"`
	Value     int    `json:"value"`
	Comment   string `json:"comment,omitempty"`
}

func (self *Api) trusts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var args setTrustArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		trusterId, err := ParseId(args.TrusterId)
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		trusteeId, err := ParseId(args.TrusteeId)
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := self.engine.SetTrust(trusterId, trusteeId, args.Value, args.Comment); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		trusterId, err := ParseId(r.URL.Query().Get("truster_id"))
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		trusteeId, err := ParseId(r.URL.Query().Get("trustee_id"))
		if err != nil {
			writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := self.engine.RemoveTrust(trusterId, trusteeId); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (self *Api) scores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ownerId, err := ParseId(r.URL.Query().Get("owner_id"))
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	trusteeId, err := ParseId(r.URL.Query().Get("trustee_id"))
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	score, err := self.engine.GetScore(ownerId, trusteeId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &ScoreSnapshot{
		OwnerId:   score.OwnerId,
		TrusteeId: score.TrusteeId,
		Value:     score.Value,
		Rank:      score.Rank,
		Capacity:  score.Capacity,
	})
}
