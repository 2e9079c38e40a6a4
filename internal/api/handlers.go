package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/conductor"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps err onto a status code. Unexpected errors are logged and
// their detail hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).Error(err, "request failed")
		msg = "internal error"
	}
	writeJSON(w, status, v1alpha1.ErrorResponse{Error: msg, Code: errdefs.Code(err)})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(r *http.Request, v any) error {
	return decodeBody(r, v, false)
}

// decodeOptional is decode for requests whose body may be empty.
func decodeOptional(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	var maxErr *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if optional {
			return nil
		}
		return fmt.Errorf("request body is required: %w", errdefs.ErrInvalidParameter)
	case errors.As(err, &maxErr):
		return fmt.Errorf("request body exceeds %d bytes: %w", maxErr.Limit, errdefs.ErrInvalidParameter)
	}
	return fmt.Errorf("invalid JSON body: %v: %w", err, errdefs.ErrInvalidParameter)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var in v1alpha1.Node
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.c.CreateNode(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := conductor.ListOptions{
		NodeFilter: store.NodeFilter{
			ProvisionState: v1alpha1.ProvisionState(q.Get("provision_state")),
			ChassisUUID:    q.Get("chassis_uuid"),
		},
		Conductor: q.Get("conductor"),
	}
	if raw := q.Get("maintenance"); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("maintenance must be a boolean: %w", errdefs.ErrInvalidParameter))
			return
		}
		opts.Maintenance = &on
	}
	if raw := q.Get("reserved"); raw != "" {
		reserved, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("reserved must be a boolean: %w", errdefs.ErrInvalidParameter))
			return
		}
		opts.Reserved = reserved
	}

	nodes, err := s.c.ListNodes(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := v1alpha1.NodeList{Nodes: make([]v1alpha1.Node, 0, len(nodes))}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, *n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.c.GetNode(r.Context(), r.PathValue("node"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) updateNode(w http.ResponseWriter, r *http.Request) {
	var patch v1alpha1.NodePatch
	if err := decode(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.c.UpdateNode(r.Context(), r.PathValue("node"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.c.DeleteNode(r.Context(), r.PathValue("node")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setProvisionState(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.ProvisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.c.SetProvisionState(r.Context(), r.PathValue("node"), req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) setPowerState(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.PowerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.c.SetPowerState(r.Context(), r.PathValue("node"), req.Target); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) setMaintenance(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req v1alpha1.MaintenanceRequest
		if on {
			if err := decodeOptional(r, &req); err != nil {
				writeError(w, r, err)
				return
			}
		}
		n, err := s.c.SetMaintenance(r.Context(), r.PathValue("node"), on, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	kind := v1alpha1.StepKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = v1alpha1.StepKindClean
	}
	steps, err := s.c.ListNodeSteps(r.Context(), r.PathValue("node"), kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []v1alpha1.StepInfo{}
	}
	writeJSON(w, http.StatusOK, v1alpha1.StepList{Steps: steps})
}

func (s *Server) listVendorMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.c.ListVendorMethods(r.Context(), r.PathValue("node"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if methods == nil {
		methods = []v1alpha1.VendorMethodInfo{}
	}
	writeJSON(w, http.StatusOK, methods)
}

// vendorPassthru takes the payload from the body, or from the query for
// GET requests.
func (s *Server) vendorPassthru(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method := q.Get("method")
	if method == "" {
		writeError(w, r, fmt.Errorf("method query parameter is required: %w", errdefs.ErrInvalidParameter))
		return
	}

	payload := map[string]any{}
	if r.Method == http.MethodGet {
		for k, v := range q {
			if k != "method" && len(v) > 0 {
				payload[k] = v[0]
			}
		}
	} else if err := decodeOptional(r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	result, async, err := s.c.VendorPassthru(r.Context(), r.PathValue("node"), method, r.Method, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if async {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb v1alpha1.HeartbeatRequest
	if err := decode(r, &hb); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.c.Heartbeat(r.Context(), r.PathValue("node"), hb); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) createPort(w http.ResponseWriter, r *http.Request) {
	var in v1alpha1.Port
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.c.CreatePort(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.c.ListPorts(r.Context(), r.URL.Query().Get("node"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := v1alpha1.PortList{Ports: make([]v1alpha1.Port, 0, len(ports))}
	for _, p := range ports {
		out.Ports = append(out.Ports, *p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPort(w http.ResponseWriter, r *http.Request) {
	p, err := s.c.GetPort(r.Context(), r.PathValue("port"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePort(w http.ResponseWriter, r *http.Request) {
	if err := s.c.DeletePort(r.Context(), r.PathValue("port")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createPortGroup(w http.ResponseWriter, r *http.Request) {
	var in v1alpha1.PortGroup
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	pg, err := s.c.CreatePortGroup(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pg)
}

func (s *Server) listPortGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.c.ListPortGroups(r.Context(), r.URL.Query().Get("node"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := v1alpha1.PortGroupList{PortGroups: make([]v1alpha1.PortGroup, 0, len(groups))}
	for _, pg := range groups {
		out.PortGroups = append(out.PortGroups, *pg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPortGroup(w http.ResponseWriter, r *http.Request) {
	pg, err := s.c.GetPortGroup(r.Context(), r.PathValue("portgroup"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pg)
}

func (s *Server) deletePortGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.c.DeletePortGroup(r.Context(), r.PathValue("portgroup")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createChassis(w http.ResponseWriter, r *http.Request) {
	var in v1alpha1.Chassis
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.c.CreateChassis(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listChassis(w http.ResponseWriter, r *http.Request) {
	all, err := s.c.ListChassis(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := v1alpha1.ChassisList{Chassis: make([]v1alpha1.Chassis, 0, len(all))}
	for _, c := range all {
		out.Chassis = append(out.Chassis, *c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getChassis(w http.ResponseWriter, r *http.Request) {
	c, err := s.c.GetChassis(r.Context(), r.PathValue("chassis"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteChassis(w http.ResponseWriter, r *http.Request) {
	if err := s.c.DeleteChassis(r.Context(), r.PathValue("chassis")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listInterfaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.ListInterfaces())
}

func (s *Server) listConductors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, v1alpha1.ConductorList{Conductors: s.c.Members()})
}

func (s *Server) joinConductor(w http.ResponseWriter, r *http.Request) {
	var in v1alpha1.Conductor
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.Name == "" {
		writeError(w, r, fmt.Errorf("conductor name is required: %w", errdefs.ErrInvalidParameter))
		return
	}
	s.c.Join(r.Context(), in.Name)
	writeJSON(w, http.StatusOK, v1alpha1.ConductorList{Conductors: s.c.Members()})
}

func (s *Server) leaveConductor(w http.ResponseWriter, r *http.Request) {
	s.c.Leave(r.Context(), r.PathValue("name"))
	w.WriteHeader(http.StatusNoContent)
}
