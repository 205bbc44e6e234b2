package api

import (
	"fmt"
	"net/http"

	"github.com/roborun/roborun/internal/model"
)

func (s *Server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	var tc model.TestCase
	if err := decodeBody(r, &tc); err != nil {
		writeError(w, r, err)
		return
	}
	if tc.Name == "" {
		writeError(w, r, fmt.Errorf("%w: name is required", ErrInvalidInput))
		return
	}
	created, err := s.store.CreateTestCase(r.Context(), tc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTestCases(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.TestCase{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tc, err := s.store.GetTestCase(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleUpdateTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var tc model.TestCase
	if err := decodeBody(r, &tc); err != nil {
		writeError(w, r, err)
		return
	}
	tc.ID = id
	updated, err := s.store.UpdateTestCase(r.Context(), tc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteTestCase(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var sc model.Scenario
	if err := decodeBody(r, &sc); err != nil {
		writeError(w, r, err)
		return
	}
	if sc.Name == "" {
		writeError(w, r, fmt.Errorf("%w: name is required", ErrInvalidInput))
		return
	}
	created, err := s.store.CreateScenario(r.Context(), sc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListScenarios(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Scenario{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sc, err := s.store.GetScenario(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUpdateScenario(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var sc model.Scenario
	if err := decodeBody(r, &sc); err != nil {
		writeError(w, r, err)
		return
	}
	sc.ID = id
	updated, err := s.store.UpdateScenario(r.Context(), sc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteScenario(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g model.Group
	if err := decodeBody(r, &g); err != nil {
		writeError(w, r, err)
		return
	}
	if g.Name == "" {
		writeError(w, r, fmt.Errorf("%w: name is required", ErrInvalidInput))
		return
	}
	created, err := s.store.CreateGroup(r.Context(), g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListGroups(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Group{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.store.GetGroup(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteGroup(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetConfigRequest is the body of PUT /api/v1/configs/{key}.
type SetConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListConfigs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.ConfigEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetConfig(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req SetConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	entry, err := s.store.SetConfig(r.Context(), r.PathValue("key"), req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
