package projection

import (
	"log"
	"time"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
)

var applyLog = log.New(log.Writer(), "[PROJECTION] ", log.LstdFlags)

// Apply folds one committed event into the state. Events arrive in log
// order; applying the same log twice from empty always lands on the same
// state. Unknown event types are skipped so longer logs survive rollbacks.
func (s *State) Apply(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch ev.Type {
	case events.TypeNodeRegistered:
		err = s.applyNodeRegistered(ev)
	case events.TypeNodeApproved:
		err = s.applyNodeStatus(ev, core.StatusActive)
	case events.TypeNodeSuspended:
		err = s.applyNodeStatus(ev, core.StatusSuspended)
	case events.TypeNodeResumed:
		err = s.applyNodeStatus(ev, core.StatusActive)
	case events.TypeNodeRevoked:
		err = s.applyNodeRevoked(ev)
	case events.TypeNodeKeyRotationRequested:
		err = s.applyKeyRotationRequested(ev)
	case events.TypeNodeKeyRotated:
		err = s.applyKeyRotated(ev)

	case events.TypeIPAllocated:
		err = s.applyIPAllocated(ev)
	case events.TypeIPReleased:
		err = s.applyIPReleased(ev)
	case events.TypeIPAMExhausted:
		err = s.applyIPAMExhausted(ev)

	case events.TypeUserCreated:
		err = s.applyUserCreated(ev)
	case events.TypeUserUpdated:
		err = s.applyUserUpdated(ev)
	case events.TypeUserDeleted:
		err = s.applyUserDeleted(ev)
	case events.TypeGroupCreated:
		err = s.applyGroupCreated(ev)
	case events.TypeGroupUpdated:
		err = s.applyGroupUpdated(ev)
	case events.TypeGroupDeleted:
		err = s.applyGroupDeleted(ev)
	case events.TypeGroupMemberAdded:
		err = s.applyGroupMember(ev, true)
	case events.TypeGroupMemberRemoved:
		err = s.applyGroupMember(ev, false)

	case events.TypeAccessPolicyCreated, events.TypeAccessPolicyUpdated:
		err = s.applyAccessPolicyChange(ev)
	case events.TypeAccessPolicyDeleted:
		err = s.applyAccessPolicyDeleted(ev)
	case events.TypeNetworkPolicyCreated, events.TypeNetworkPolicyUpdated:
		err = s.applyNetworkPolicyChange(ev)
	case events.TypeNetworkPolicyDeleted:
		err = s.applyNetworkPolicyDeleted(ev)

	case events.TypeClientDeviceCreated:
		err = s.applyDeviceCreated(ev)
	case events.TypeClientDeviceRevoked:
		err = s.applyDeviceRevoked(ev)
	case events.TypeClientConfigDelivery:
		err = s.applyConfigDelivered(ev)

	case events.TypeTrustScoreChanged:
		err = s.applyTrustScoreChanged(ev)

	case events.TypeWebhookEndpointCreated:
		err = s.applyWebhookCreated(ev)
	case events.TypeWebhookEndpointDeleted:
		err = s.applyWebhookDeleted(ev)

	case events.TypeSchemaMigrated:
		// bookkeeping only

	default:
		applyLog.Printf("⚠️ Skipping unknown event type %q (id=%d)", ev.Type, ev.ID)
	}
	if err != nil {
		return err
	}
	s.lastAppliedID = ev.ID
	return nil
}

// Replay folds a whole log into a fresh state.
func Replay(evs []*events.Event) (*State, error) {
	s := NewState()
	for _, ev := range evs {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *State) node(ev *events.Event) (*core.Node, error) {
	n, ok := s.nodes[ev.AggregateID]
	if !ok {
		return nil, core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d (%s) references missing node %s", ev.ID, ev.Type, ev.AggregateID)
	}
	return n, nil
}

func (s *State) applyNodeRegistered(ev *events.Event) error {
	var p events.NodeRegistered
	if err := ev.Decode(&p); err != nil {
		return err
	}
	n := &core.Node{
		ID:           ev.AggregateID,
		Hostname:     p.Hostname,
		Role:         p.Role,
		PublicKey:    p.PublicKey,
		RealIP:       p.RealIP,
		Status:       core.StatusPending,
		AgentVersion: p.AgentVersion,
		OSInfo:       p.OSInfo,
		CreatedAt:    ev.Time,
		Version:      ev.Version,
	}
	s.nodes[n.ID] = n
	s.byHostname[n.Hostname] = n.ID
	s.byPublicKey[n.PublicKey] = n.ID
	return nil
}

func (s *State) applyNodeStatus(ev *events.Event, to core.Status) error {
	n, err := s.node(ev)
	if err != nil {
		return err
	}
	next, err := core.Transition(n.Status, to)
	if err != nil {
		return core.Wrap(core.KindInvariant, "BAD_TRANSITION_IN_LOG", err,
			"event %d moves node %s illegally", ev.ID, n.ID)
	}
	n.Status = next
	n.Version = ev.Version
	if ev.Type == events.TypeNodeApproved {
		var p events.NodeApproved
		if err := ev.Decode(&p); err != nil {
			return err
		}
		n.ApprovedBy = p.ApprovedBy
		n.OverlayIP = p.OverlayIP
	}
	return nil
}

func (s *State) applyNodeRevoked(ev *events.Event) error {
	n, err := s.node(ev)
	if err != nil {
		return err
	}
	var p events.NodeRevoked
	if err := ev.Decode(&p); err != nil {
		return err
	}
	next, terr := core.Transition(n.Status, core.StatusRevoked)
	if terr != nil {
		return core.Wrap(core.KindInvariant, "BAD_TRANSITION_IN_LOG", terr,
			"event %d revokes node %s illegally", ev.ID, n.ID)
	}
	n.Status = next
	n.Version = ev.Version
	n.OverlayIP = "" // the paired IpReleased event clears the lease
	if p.PublicKey != "" {
		s.blacklist[p.PublicKey] = true
	}
	return nil
}

func (s *State) applyKeyRotationRequested(ev *events.Event) error {
	n, err := s.node(ev)
	if err != nil {
		return err
	}
	var p events.NodeKeyRotationRequested
	if err := ev.Decode(&p); err != nil {
		return err
	}
	n.RotateKeyBy = p.Deadline
	n.Version = ev.Version
	return nil
}

func (s *State) applyKeyRotated(ev *events.Event) error {
	n, err := s.node(ev)
	if err != nil {
		return err
	}
	var p events.NodeKeyRotated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	delete(s.byPublicKey, p.OldKey)
	s.blacklist[p.OldKey] = true
	n.PublicKey = p.NewKey
	n.RotateKeyBy = time.Time{}
	n.Version = ev.Version
	s.byPublicKey[p.NewKey] = n.ID
	return nil
}

func (s *State) applyIPAllocated(ev *events.Event) error {
	var p events.IPAllocated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.leases[p.IP] = &Lease{
		IP:          p.IP,
		Owner:       Owner{Type: p.OwnerType, ID: p.OwnerID},
		Pool:        p.Pool,
		AllocatedAt: ev.Time,
	}
	s.byOwner[p.OwnerID] = p.IP
	delete(s.cooldowns, p.IP)
	// Addresses are handed out at registration, before approval, so the
	// node row carries its address straight from the lease.
	if p.OwnerType == "node" {
		if n, ok := s.nodes[p.OwnerID]; ok {
			n.OverlayIP = p.IP
		}
	}
	return nil
}

func (s *State) applyIPReleased(ev *events.Event) error {
	var p events.IPReleased
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if l, ok := s.leases[p.IP]; ok {
		delete(s.byOwner, l.Owner.ID)
		if l.Owner.Type == "node" {
			if n, ok := s.nodes[l.Owner.ID]; ok && n.OverlayIP == p.IP {
				n.OverlayIP = ""
			}
		}
	}
	delete(s.leases, p.IP)
	s.cooldowns[p.IP] = p.CoolDownUntil
	return nil
}

func (s *State) applyIPAMExhausted(ev *events.Event) error {
	var p events.IPAMExhausted
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.lastExhausted[p.Pool] = ev.Time
	return nil
}

func (s *State) applyUserCreated(ev *events.Event) error {
	var p events.UserCreated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	u := &core.User{
		ID:          ev.AggregateID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Department:  p.Department,
		Status:      "active",
		CreatedAt:   ev.Time,
		Version:     ev.Version,
	}
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *State) applyUserUpdated(ev *events.Event) error {
	u, ok := s.users[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d updates missing user %s", ev.ID, ev.AggregateID)
	}
	var p events.UserUpdated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Email != "" && p.Email != u.Email {
		delete(s.byEmail, u.Email)
		u.Email = p.Email
		s.byEmail[u.Email] = u.ID
	}
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
	if p.Department != "" {
		u.Department = p.Department
	}
	if p.Status != "" {
		u.Status = p.Status
	}
	u.Version = ev.Version
	return nil
}

func (s *State) applyUserDeleted(ev *events.Event) error {
	u, ok := s.users[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d deletes missing user %s", ev.ID, ev.AggregateID)
	}
	delete(s.byEmail, u.Email)
	delete(s.users, u.ID)
	return nil
}

func (s *State) applyGroupCreated(ev *events.Event) error {
	var p events.GroupCreated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.groups[ev.AggregateID] = &core.Group{
		ID:          ev.AggregateID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   ev.Time,
		Version:     ev.Version,
	}
	return nil
}

func (s *State) applyGroupUpdated(ev *events.Event) error {
	g, ok := s.groups[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d updates missing group %s", ev.ID, ev.AggregateID)
	}
	var p events.GroupUpdated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Name != "" {
		g.Name = p.Name
	}
	if p.Description != "" {
		g.Description = p.Description
	}
	g.Version = ev.Version
	return nil
}

func (s *State) applyGroupDeleted(ev *events.Event) error {
	if _, ok := s.groups[ev.AggregateID]; !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d deletes missing group %s", ev.ID, ev.AggregateID)
	}
	delete(s.groups, ev.AggregateID)
	return nil
}

func (s *State) applyGroupMember(ev *events.Event, add bool) error {
	g, ok := s.groups[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d touches missing group %s", ev.ID, ev.AggregateID)
	}
	var userID string
	if add {
		var p events.GroupMemberAdded
		if err := ev.Decode(&p); err != nil {
			return err
		}
		userID = p.UserID
	} else {
		var p events.GroupMemberRemoved
		if err := ev.Decode(&p); err != nil {
			return err
		}
		userID = p.UserID
	}
	if add {
		for _, m := range g.Members {
			if m == userID {
				g.Version = ev.Version
				return nil
			}
		}
		g.Members = append(g.Members, userID)
	} else {
		kept := g.Members[:0]
		for _, m := range g.Members {
			if m != userID {
				kept = append(kept, m)
			}
		}
		g.Members = kept
	}
	g.Version = ev.Version
	return nil
}

func (s *State) applyAccessPolicyChange(ev *events.Event) error {
	var p events.AccessPolicyChange
	if err := ev.Decode(&p); err != nil {
		return err
	}
	pol, exists := s.accessPolicies[ev.AggregateID]
	if !exists {
		pol = &core.AccessPolicy{ID: ev.AggregateID, CreatedAt: ev.Time}
		s.accessPolicies[ev.AggregateID] = pol
		s.accessOrder[ev.AggregateID] = ev.ID
	}
	pol.Name = p.Name
	pol.Subject = p.Subject
	pol.Resource = p.Resource
	pol.Action = p.Action
	pol.Priority = p.Priority
	pol.Enabled = p.Enabled
	pol.Version = ev.Version
	return nil
}

func (s *State) applyAccessPolicyDeleted(ev *events.Event) error {
	if _, ok := s.accessPolicies[ev.AggregateID]; !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d deletes missing access policy %s", ev.ID, ev.AggregateID)
	}
	delete(s.accessPolicies, ev.AggregateID)
	delete(s.accessOrder, ev.AggregateID)
	return nil
}

func (s *State) applyNetworkPolicyChange(ev *events.Event) error {
	var p events.NetworkPolicyChange
	if err := ev.Decode(&p); err != nil {
		return err
	}
	pol, exists := s.networkPolicies[ev.AggregateID]
	if !exists {
		pol = &core.NetworkPolicy{ID: ev.AggregateID, CreatedAt: ev.Time}
		s.networkPolicies[ev.AggregateID] = pol
		s.networkOrder[ev.AggregateID] = ev.ID
	}
	pol.Name = p.Name
	pol.SrcRole = p.SrcRole
	pol.DstRole = p.DstRole
	pol.Protocol = p.Protocol
	pol.Port = p.Port
	pol.Action = p.Action
	pol.Priority = p.Priority
	pol.Enabled = p.Enabled
	pol.Version = ev.Version
	return nil
}

func (s *State) applyNetworkPolicyDeleted(ev *events.Event) error {
	if _, ok := s.networkPolicies[ev.AggregateID]; !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d deletes missing network policy %s", ev.ID, ev.AggregateID)
	}
	delete(s.networkPolicies, ev.AggregateID)
	delete(s.networkOrder, ev.AggregateID)
	return nil
}

func (s *State) applyDeviceCreated(ev *events.Event) error {
	var p events.ClientDeviceCreated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	d := &core.ClientDevice{
		ID:             ev.AggregateID,
		UserID:         p.UserID,
		Name:           p.Name,
		Type:           p.Type,
		OverlayIP:      p.OverlayIP,
		TunnelMode:     p.TunnelMode,
		PublicKey:      p.PublicKey,
		PrivateKeyEnc:  p.PrivateKeyEnc,
		TokenHash:      p.TokenHash,
		TokenSingleUse: p.SingleUse,
		ExpiresAt:      p.ExpiresAt,
		Status:         core.StatusActive,
		CreatedAt:      ev.Time,
		Version:        ev.Version,
	}
	s.devices[d.ID] = d
	s.deviceByToken[d.TokenHash] = d.ID
	if s.devicesByUser[d.UserID] == nil {
		s.devicesByUser[d.UserID] = make(map[string]bool)
	}
	s.devicesByUser[d.UserID][d.ID] = true
	return nil
}

func (s *State) applyDeviceRevoked(ev *events.Event) error {
	d, ok := s.devices[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d revokes missing device %s", ev.ID, ev.AggregateID)
	}
	d.Status = core.StatusRevoked
	d.Version = ev.Version
	delete(s.deviceByToken, d.TokenHash)
	return nil
}

func (s *State) applyConfigDelivered(ev *events.Event) error {
	d, ok := s.devices[ev.AggregateID]
	if !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d marks delivery on missing device %s", ev.ID, ev.AggregateID)
	}
	d.ConfigDelivered = true
	d.Version = ev.Version
	return nil
}

func (s *State) applyTrustScoreChanged(ev *events.Event) error {
	n, err := s.node(ev)
	if err != nil {
		return err
	}
	var p events.TrustScoreChanged
	if err := ev.Decode(&p); err != nil {
		return err
	}
	n.TrustScore = p.Score
	n.TrustAction = p.Action
	n.Version = ev.Version

	hist := append(s.trustHistory[n.ID], core.TrustSnapshot{
		NodeID:       n.ID,
		Score:        p.Score,
		Previous:     p.Previous,
		Risk:         p.Risk,
		Action:       p.Action,
		Inputs:       p.Inputs,
		CalculatedAt: ev.Time,
	})
	if len(hist) > trustHistoryCap {
		hist = hist[len(hist)-trustHistoryCap:]
	}
	s.trustHistory[n.ID] = hist
	return nil
}

func (s *State) applyWebhookCreated(ev *events.Event) error {
	var p events.WebhookEndpointCreated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	s.webhooks[ev.AggregateID] = &core.WebhookEndpoint{
		ID:        ev.AggregateID,
		URL:       p.URL,
		Secret:    p.Secret,
		Events:    p.Events,
		CreatedAt: ev.Time,
		Version:   ev.Version,
	}
	return nil
}

func (s *State) applyWebhookDeleted(ev *events.Event) error {
	if _, ok := s.webhooks[ev.AggregateID]; !ok {
		return core.Errorf(core.KindInvariant, "UNKNOWN_AGGREGATE",
			"event %d deletes missing webhook %s", ev.ID, ev.AggregateID)
	}
	delete(s.webhooks, ev.AggregateID)
	return nil
}
