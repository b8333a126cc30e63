package server

import (
	"net/http"
	"sort"

	"github.com/blang/semver/v4"
	"github.com/gorilla/mux"

	"github.com/stark-io/stark/pkg/apierror"
	"github.com/stark-io/stark/pkg/stark"
	"github.com/stark-io/stark/pkg/store"
)

type packCreateRequest struct {
	Name           string           `json:"name"`
	Version        string           `json:"version"`
	RuntimeTag     stark.RuntimeTag `json:"runtimeTag"`
	Visibility     stark.Visibility `json:"visibility"`
	BundlePath     string           `json:"bundlePath"`
	MinNodeVersion string           `json:"minNodeVersion,omitempty"`
}

func (s *Server) handlePackCreate(resp http.ResponseWriter, req *http.Request) {
	body := packCreateRequest{}
	if err := decodeBody(req, &body); err != nil {
		writeErr(resp, err)
		return
	}
	if body.Name == "" || body.Version == "" {
		writeErr(resp, apierror.NewValidation("pack name and version are required"))
		return
	}
	if _, err := semver.ParseTolerant(body.Version); err != nil {
		writeErr(resp, apierror.NewValidation("version %q is not a valid semver", body.Version))
		return
	}
	switch body.RuntimeTag {
	case stark.RuntimeTagNode, stark.RuntimeTagBrowser, stark.RuntimeTagUniversal:
	default:
		writeErr(resp, apierror.NewValidation("unknown runtime tag %q", body.RuntimeTag))
		return
	}
	if body.Visibility == "" {
		body.Visibility = stark.VisibilityPrivate
	}

	pack := &stark.Pack{
		Name:           body.Name,
		Version:        body.Version,
		RuntimeTag:     body.RuntimeTag,
		OwnerID:        principalFrom(req.Context()).ID,
		Visibility:     body.Visibility,
		BundlePath:     body.BundlePath,
		MinNodeVersion: body.MinNodeVersion,
	}
	if err := s.store.Packs().Create(req.Context(), pack); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusCreated, pack)
}

func (s *Server) handlePackList(resp http.ResponseWriter, req *http.Request) {
	limit, offset := pagination(req)
	packs, err := s.store.Packs().List(req.Context(), store.PackFilter{
		Name:    req.URL.Query().Get("name"),
		OwnerID: req.URL.Query().Get("owner"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, packs)
}

func (s *Server) handlePackVersions(resp http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	packs, err := s.store.Packs().List(req.Context(), store.PackFilter{Name: name})
	if err != nil {
		writeErr(resp, err)
		return
	}
	if len(packs) == 0 {
		writeErr(resp, apierror.NewNotFound("pack", name))
		return
	}
	// newest first
	sort.Slice(packs, func(i, j int) bool {
		vi, erri := packs[i].Semver()
		vj, errj := packs[j].Semver()
		if erri != nil || errj != nil {
			return packs[i].Version > packs[j].Version
		}
		return vi.GT(vj)
	})
	writeData(resp, http.StatusOK, packs)
}

func (s *Server) handlePackDelete(resp http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	pack, err := s.store.Packs().Get(req.Context(), id)
	if err != nil {
		writeErr(resp, err)
		return
	}
	principal := principalFrom(req.Context())
	if !principal.Admin && pack.OwnerID != principal.ID {
		writeErr(resp, apierror.NewPolicy("NotOwner", "pack %s belongs to another owner", pack.Name))
		return
	}
	if err := s.store.Packs().Delete(req.Context(), id); err != nil {
		writeErr(resp, err)
		return
	}
	writeData(resp, http.StatusOK, map[string]string{"id": id})
}
