package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/policy"
)

type evaluateRequest struct {
	Subject  string        `json:"subject"`
	Resource core.Resource `json:"resource"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Subject == "" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_SUBJECT", "subject is required"))
		return
	}
	if req.Resource.Type == "" || req.Resource.Value == "" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_RESOURCE", "resource type and value are required"))
		return
	}
	writeJSON(w, http.StatusOK, s.access.Evaluate(req.Subject, req.Resource))
}

// --- Users ---

type userRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_EMAIL", "a valid email is required"))
		return
	}

	id := uuid.New().String()
	err := s.committer.Locked(func() error {
		if _, ok := s.state.UserByEmail(email); ok {
			return core.Errorf(core.KindConflict, "EMAIL_EXISTS", "email %s is already registered", email)
		}
		ev := events.MustNew(events.TypeUserCreated, events.AggregateUser, id, adminActor, "", events.UserCreated{
			Email:       email,
			DisplayName: req.DisplayName,
			Department:  req.Department,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateUser, id, 0), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	user, _ := s.state.UserByID(id)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": s.state.ListUsers()})
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.state.UserByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "USER_NOT_FOUND", "user not found"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != "" && req.Status != "active" && req.Status != "disabled" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_STATUS", "status must be active or disabled"))
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	err := s.committer.Locked(func() error {
		user, ok := s.state.UserByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "USER_NOT_FOUND", "user not found")
		}
		if email != "" && email != user.Email {
			if _, taken := s.state.UserByEmail(email); taken {
				return core.Errorf(core.KindConflict, "EMAIL_EXISTS", "email %s is already registered", email)
			}
		}
		ev := events.MustNew(events.TypeUserUpdated, events.AggregateUser, id, adminActor, "", events.UserUpdated{
			Email:       email,
			DisplayName: req.DisplayName,
			Department:  req.Department,
			Status:      req.Status,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateUser, id, user.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	user, _ := s.state.UserByID(id)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.committer.Locked(func() error {
		user, ok := s.state.UserByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "USER_NOT_FOUND", "user not found")
		}
		ev := events.MustNew(events.TypeUserDeleted, events.AggregateUser, id, adminActor, "", events.UserDeleted{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateUser, id, user.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Groups ---

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, core.Errorf(core.KindInvalidArgument, "BAD_NAME", "group name is required"))
		return
	}

	id := uuid.New().String()
	ev := events.MustNew(events.TypeGroupCreated, events.AggregateGroup, id, adminActor, "", events.GroupCreated{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	})
	if _, err := s.committer.Commit(r.Context(), eventstore.Expect(events.AggregateGroup, id, 0), ev); err != nil {
		writeError(w, err)
		return
	}
	group, _ := s.state.GroupByID(id)
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": s.state.ListGroups()})
}

func (s *Server) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	group, ok := s.state.GroupByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "GROUP_NOT_FOUND", "group not found"))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.committer.Locked(func() error {
		group, ok := s.state.GroupByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "GROUP_NOT_FOUND", "group not found")
		}
		ev := events.MustNew(events.TypeGroupUpdated, events.AggregateGroup, id, adminActor, "", events.GroupUpdated{
			Name:        strings.TrimSpace(req.Name),
			Description: req.Description,
		})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateGroup, id, group.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	group, _ := s.state.GroupByID(id)
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.committer.Locked(func() error {
		group, ok := s.state.GroupByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "GROUP_NOT_FOUND", "group not found")
		}
		ev := events.MustNew(events.TypeGroupDeleted, events.AggregateGroup, id, adminActor, "", events.GroupDeleted{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateGroup, id, group.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleGroupMemberAdd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := s.committer.Locked(func() error {
		group, ok := s.state.GroupByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "GROUP_NOT_FOUND", "group not found")
		}
		if _, ok := s.state.UserByID(req.UserID); !ok {
			return core.Errorf(core.KindNotFound, "USER_NOT_FOUND", "user not found")
		}
		for _, uid := range group.Members {
			if uid == req.UserID {
				return core.Errorf(core.KindConflict, "MEMBER_EXISTS", "user is already a member")
			}
		}
		ev := events.MustNew(events.TypeGroupMemberAdded, events.AggregateGroup, id, adminActor, "", events.GroupMemberAdded{UserID: req.UserID})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateGroup, id, group.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	group, _ := s.state.GroupByID(id)
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupMemberRemove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, uid := vars["id"], vars["uid"]

	err := s.committer.Locked(func() error {
		group, ok := s.state.GroupByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "GROUP_NOT_FOUND", "group not found")
		}
		member := false
		for _, m := range group.Members {
			if m == uid {
				member = true
				break
			}
		}
		if !member {
			return core.Errorf(core.KindNotFound, "MEMBER_NOT_FOUND", "user is not a member")
		}
		ev := events.MustNew(events.TypeGroupMemberRemoved, events.AggregateGroup, id, adminActor, "", events.GroupMemberRemoved{UserID: uid})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateGroup, id, group.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Access policies ---

type accessPolicyRequest struct {
	Name     string            `json:"name"`
	Subject  core.Subject      `json:"subject"`
	Resource core.Resource     `json:"resource"`
	Action   core.PolicyAction `json:"action"`
	Priority int               `json:"priority"`
	Enabled  *bool             `json:"enabled,omitempty"`
}

func (req *accessPolicyRequest) toPolicy(id string) core.AccessPolicy {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return core.AccessPolicy{
		ID:       id,
		Name:     req.Name,
		Subject:  req.Subject,
		Resource: req.Resource,
		Action:   req.Action,
		Priority: req.Priority,
		Enabled:  enabled,
	}
}

func accessPolicyChange(p core.AccessPolicy) events.AccessPolicyChange {
	return events.AccessPolicyChange{
		Name:     p.Name,
		Subject:  p.Subject,
		Resource: p.Resource,
		Action:   p.Action,
		Priority: p.Priority,
		Enabled:  p.Enabled,
	}
}

func (s *Server) handleAccessPolicyCreate(w http.ResponseWriter, r *http.Request) {
	var req accessPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := uuid.New().String()
	p := req.toPolicy(id)
	if err := policy.ValidateAccessPolicy(p); err != nil {
		writeError(w, err)
		return
	}

	ev := events.MustNew(events.TypeAccessPolicyCreated, events.AggregateAccessPolicy, id, adminActor, "", accessPolicyChange(p))
	if _, err := s.committer.Commit(r.Context(), eventstore.Expect(events.AggregateAccessPolicy, id, 0), ev); err != nil {
		writeError(w, err)
		return
	}
	created, _ := s.state.AccessPolicyByID(id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAccessPolicyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": s.state.ListAccessPolicies()})
}

func (s *Server) handleAccessPolicyGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.state.AccessPolicyByID(mux.Vars(r)["id"])
	if !ok {
		writeError(w, core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "access policy not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAccessPolicyUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req accessPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := req.toPolicy(id)
	if err := policy.ValidateAccessPolicy(p); err != nil {
		writeError(w, err)
		return
	}

	err := s.committer.Locked(func() error {
		current, ok := s.state.AccessPolicyByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "access policy not found")
		}
		ev := events.MustNew(events.TypeAccessPolicyUpdated, events.AggregateAccessPolicy, id, adminActor, "", accessPolicyChange(p))
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateAccessPolicy, id, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	updated, _ := s.state.AccessPolicyByID(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAccessPolicyDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.committer.Locked(func() error {
		current, ok := s.state.AccessPolicyByID(id)
		if !ok {
			return core.Errorf(core.KindNotFound, "POLICY_NOT_FOUND", "access policy not found")
		}
		ev := events.MustNew(events.TypeAccessPolicyDeleted, events.AggregateAccessPolicy, id, adminActor, "", events.AccessPolicyDeleted{By: adminActor})
		_, err := s.committer.CommitLocked(r.Context(), eventstore.Expect(events.AggregateAccessPolicy, id, current.Version), ev)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
