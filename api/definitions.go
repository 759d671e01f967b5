package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

// maxDefinitionSize bounds a submitted definition document.
const maxDefinitionSize = 1 << 20

// RegisterResponse answers a definition registration.
type RegisterResponse struct {
	Definition *definition.Definition    `json:"definition"`
	Warnings   []stepflow.ValidationError `json:"warnings,omitempty"`
}

// ValidateResponse answers a validate-only submission.
type ValidateResponse struct {
	Valid    bool                       `json:"valid"`
	Findings []stepflow.ValidationError `json:"findings"`
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body", err.Error())
		return nil, false
	}
	if len(doc) > maxDefinitionSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "definition too large", nil)
		return nil, false
	}
	if len(doc) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty definition", nil)
		return nil, false
	}
	return doc, true
}

func (s *Server) registerDefinition(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	def, warnings, err := s.eng.RegisterDefinition(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, RegisterResponse{Definition: def, Warnings: warnings})
}

func (s *Server) validateDefinition(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	valid, findings := s.eng.ValidateDefinition(doc)
	if findings == nil {
		findings = []stepflow.ValidationError{}
	}
	s.writeJSON(w, http.StatusOK, ValidateResponse{Valid: valid, Findings: findings})
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.eng.ListDefinitions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if defs == nil {
		defs = []*definition.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.fail(w, r, fmt.Errorf("%w: version must be a positive integer", stepflow.ErrInvalidInput))
			return
		}
		version = n
	}
	def, err := s.eng.GetDefinition(r.Context(), chi.URLParam(r, "name"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}
