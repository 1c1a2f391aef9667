package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"actionserver/internal/actions"
	"actionserver/internal/envelope"
	"actionserver/internal/fault"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

// maxBodyBytes caps invocation bodies at half the worker frame size, leaving
// room for managed parameters and framing on the way to the worker.
const maxBodyBytes = 32 << 20

// errorBody is the JSON error shape every non-2xx response carries.
type errorBody struct {
	Error  string          `json:"error"`
	Kind   fault.Kind      `json:"kind,omitempty"`
	RunID  string          `json:"run_id,omitempty"`
	Status store.RunStatus `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Server", "Encoding response: %v", err)
	}
}

// writeFault renders a classified error with its mapped status code.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	writeJSON(w, fault.HTTPStatus(kind), errorBody{Error: err.Error(), Kind: kind})
}

// writeError additionally maps the store sentinels: missing rows to 404,
// malformed cursors to 422.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrBadCursor):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		writeFault(w, err)
	}
}

// handleInvoke runs one action. The response mirrors the run's fate: a
// deferred acknowledgement, the result payload on PASS, or an error body on
// FAIL and CANCELLED. The run id always travels in the response header.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	pkgSlug := chi.URLParam(r, "package")
	actionSlug := chi.URLParam(r, "action")

	act, _, ok := s.deps.Catalog.Current().Lookup(pkgSlug, actionSlug)
	if !ok {
		writeFault(w, fault.New(fault.KindUnknownAction, "action %s/%s is not served", pkgSlug, actionSlug))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFault(w, fault.Wrap(fault.KindBadEnvelope, err, "reading request body"))
		return
	}

	env, input, err := s.deps.Codec.Decode(r.Header, body, act, func(name string) (string, bool) {
		return s.deps.Secrets.Get(pkgSlug, name)
	})
	if err != nil {
		writeFault(w, err)
		return
	}

	res, err := s.deps.Lifecycle.Submit(r.Context(), pkgSlug, actionSlug, env, input)
	if err != nil {
		writeFault(w, err)
		return
	}

	w.Header().Set(envelope.HeaderRunID, res.Run.ID)
	if res.Pending {
		w.Header().Set(envelope.HeaderAsyncCompletion, "1")
		writeJSON(w, http.StatusOK, res.Run)
		return
	}

	switch res.Run.Status {
	case store.StatusPass:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if res.Run.ResultPayload != nil {
			_, _ = io.WriteString(w, *res.Run.ResultPayload)
		} else {
			_, _ = io.WriteString(w, "null")
		}
	default:
		msg := "run ended " + string(res.Run.Status)
		if res.Run.ErrorMessage != nil {
			msg = *res.Run.ErrorMessage
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:  msg,
			RunID:  res.Run.ID,
			Status: res.Run.Status,
		})
	}
}

var listableStatuses = map[store.RunStatus]bool{
	store.StatusNotRun:    true,
	store.StatusRunning:   true,
	store.StatusPass:      true,
	store.StatusFail:      true,
	store.StatusCancelled: true,
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := store.ListRunsQuery{
		PackageSlug: r.URL.Query().Get("package"),
		ActionSlug:  r.URL.Query().Get("action"),
		After:       r.URL.Query().Get("after"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.RunStatus(raw)
		if !listableStatuses[status] {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown run status " + strconv.Quote(raw)})
			return
		}
		q.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}

	page, err := s.deps.Store.ListRuns(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Runs == nil {
		page.Runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runFields are the selectable JSON keys of a run. Kept in sync with the
// store.Run tags.
var runFields = map[string]bool{
	"id": true, "action_id": true, "package_slug": true, "action_slug": true,
	"status": true, "run_number": true, "artifact_dir": true,
	"input_payload": true, "result_payload": true, "error_message": true,
	"request_id": true, "callback_url": true, "callback_note": true,
	"created_at": true, "started_at": true, "finished_at": true,
}

// handleRunFields returns only the requested run fields. Optional fields the
// run does not carry come back as null so the response shape is predictable.
func (s *Server) handleRunFields(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("fields")
	if strings.TrimSpace(raw) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "fields query parameter is required"})
		return
	}

	var selected []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !runFields[f] {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unknown run field " + strconv.Quote(f)})
			return
		}
		selected = append(selected, f)
	}

	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	encoded, err := json.Marshal(run)
	if err != nil {
		writeFault(w, fault.Wrap(fault.KindInternal, err, "encoding run"))
		return
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &full); err != nil {
		writeFault(w, fault.Wrap(fault.KindInternal, err, "encoding run"))
		return
	}

	out := make(map[string]json.RawMessage, len(selected))
	for _, f := range selected {
		if v, ok := full[f]; ok {
			out[f] = v
		} else {
			out[f] = json.RawMessage("null")
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunByRequestID(w http.ResponseWriter, r *http.Request) {
	pkgSlug := r.URL.Query().Get("package")
	actionSlug := r.URL.Query().Get("action")
	if pkgSlug == "" || actionSlug == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "package and action query parameters are required"})
		return
	}

	act, _, ok := s.deps.Catalog.Current().Lookup(pkgSlug, actionSlug)
	if !ok {
		writeFault(w, fault.New(fault.KindUnknownAction, "action %s/%s is not served", pkgSlug, actionSlug))
		return
	}

	run, err := s.deps.Store.FindRunByRequestID(r.Context(), act.ID, chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	name := chi.URLParam(r, "name")
	f, err := s.deps.Artifacts.Open(run.ArtifactDir, name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "artifact " + strconv.Quote(name) + " not found"})
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeFault(w, fault.Wrap(fault.KindInternal, err, "reading artifact %s", name))
		return
	}
	w.Header().Set("Content-Type", artifactContentType(name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

func artifactContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// Catalog listing views. Environments and database ids stay server-side.
type actionListing struct {
	Slug          string                              `json:"slug"`
	Name          string                              `json:"name"`
	DisplayName   string                              `json:"display_name,omitempty"`
	Kind          actions.ToolKind                    `json:"kind"`
	Consequential bool                                `json:"consequential"`
	InputSchema   json.RawMessage                     `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage                     `json:"output_schema,omitempty"`
	ManagedParams map[string]actions.ManagedParamKind `json:"managed_params,omitempty"`
}

type packageListing struct {
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	Endpoints []string        `json:"endpoints,omitempty"`
	Actions   []actionListing `json:"actions"`
}

type catalogListing struct {
	Version  int64            `json:"version"`
	Packages []packageListing `json:"packages"`
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Catalog.Current()

	listing := catalogListing{Version: snap.Version, Packages: []packageListing{}}
	for _, entry := range snap.Packages() {
		pkg := packageListing{
			Slug:      entry.Package.Slug,
			Name:      entry.Package.Name,
			Endpoints: entry.Package.Endpoints,
			Actions:   make([]actionListing, 0, len(entry.Actions)),
		}
		for _, act := range entry.Actions {
			pkg.Actions = append(pkg.Actions, actionListing{
				Slug:          act.Slug,
				Name:          act.Name,
				DisplayName:   act.DisplayName,
				Kind:          act.Kind,
				Consequential: act.Consequential,
				InputSchema:   act.InputSchema,
				OutputSchema:  act.OutputSchema,
				ManagedParams: act.ManagedParams,
			})
		}
		listing.Packages = append(listing.Packages, pkg)
	}
	writeJSON(w, http.StatusOK, listing)
}

// handleSetSecrets replaces in-memory secret overrides for a package. Values
// never reach a log or the response; the body reports override names only.
func (s *Server) handleSetSecrets(w http.ResponseWriter, r *http.Request) {
	pkgSlug := chi.URLParam(r, "package")
	if _, ok := s.deps.Catalog.Current().Package(pkgSlug); !ok {
		writeFault(w, fault.New(fault.KindUnknownAction, "package %s is not served", pkgSlug))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFault(w, fault.Wrap(fault.KindBadEnvelope, err, "reading request body"))
		return
	}
	var values map[string]string
	if err := json.Unmarshal(body, &values); err != nil {
		writeFault(w, fault.Wrap(fault.KindBadEnvelope, err, "secret overrides must be a JSON object of strings"))
		return
	}

	s.deps.Secrets.Set(pkgSlug, values)

	names := s.deps.Secrets.Names(pkgSlug)
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"package": pkgSlug,
		"names":   names,
	})
}
