// Package devices issues end-user tunnel profiles: client-pool address,
// server-generated keypair, one-shot config token, rendered wg-quick text
// and QR. Devices appear only in the hub's peer list; revocation or expiry
// drops them on the next plan compile.
package devices

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/events"
	"github.com/ztmesh/ztmesh/internal/eventstore"
	"github.com/ztmesh/ztmesh/internal/ipam"
	"github.com/ztmesh/ztmesh/internal/projection"
	"github.com/ztmesh/ztmesh/internal/security"
	"github.com/ztmesh/ztmesh/internal/topology"
)

// Actor marks device lifecycle events the service itself appends.
const Actor = "device-service"

// Config carries the client-device policy knobs.
type Config struct {
	MaxPerUser    int           // CLIENT_MAX_DEVICES_PER_USER
	DefaultExpiry time.Duration // CLIENT_DEFAULT_EXPIRES_DAYS
	DNS           string        // CLIENT_DNS
}

// Service is the client-device half of the control plane.
type Service struct {
	state     *projection.State
	committer *eventstore.Committer
	alloc     *ipam.Allocator
	synth     *topology.Synthesizer
	crypt     *security.KeyCrypt
	cfg       Config
	logger    *log.Logger
}

func NewService(state *projection.State, committer *eventstore.Committer, alloc *ipam.Allocator, synth *topology.Synthesizer, crypt *security.KeyCrypt, cfg Config) *Service {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 5
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 30 * 24 * time.Hour
	}
	if cfg.DNS == "" {
		cfg.DNS = "1.1.1.1"
	}
	return &Service{
		state:     state,
		committer: committer,
		alloc:     alloc,
		synth:     synth,
		crypt:     crypt,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[DEVICES] ", log.LstdFlags),
	}
}

// CreateParams describes one device enrollment.
type CreateParams struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`        // mobile | laptop
	TunnelMode    core.TunnelMode `json:"tunnel_mode"` // full | split
	ExpiresAt     time.Time       `json:"expires_at"`  // zero → DefaultExpiry
	ReusableToken bool            `json:"reusable_token"`
}

// Created is the one response that ever carries the clear config token.
type Created struct {
	Device      core.ClientDevice `json:"device"`
	ConfigToken string            `json:"config_token"`
}

func (s *Service) validate(p *CreateParams) error {
	if p.Name == "" {
		return core.Errorf(core.KindInvalidArgument, "BAD_NAME", "device name is required")
	}
	switch p.Type {
	case "":
		p.Type = "laptop"
	case "mobile", "laptop":
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_TYPE", "device type %q is not mobile or laptop", p.Type)
	}
	switch p.TunnelMode {
	case "":
		p.TunnelMode = core.TunnelSplit
	case core.TunnelFull, core.TunnelSplit:
	default:
		return core.Errorf(core.KindInvalidArgument, "BAD_TUNNEL_MODE", "tunnel mode %q is not full or split", p.TunnelMode)
	}
	return nil
}

// Create allocates an address, mints the keypair and config token, and
// appends the lease and device events in one commit.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Created, error) {
	if err := s.validate(&p); err != nil {
		return nil, err
	}
	user, ok := s.state.UserByID(p.UserID)
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "USER_NOT_FOUND", "no user %q", p.UserID)
	}
	if user.Status != "active" {
		return nil, core.Errorf(core.KindInvalidArgument, "USER_INACTIVE", "user %s is %s", user.ID, user.Status)
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "KEYGEN", err, "generate device key")
	}
	privEnc, err := s.crypt.Seal(priv.String())
	if err != nil {
		return nil, core.Wrap(core.KindInvariant, "KEY_SEAL", err, "encrypt device private key")
	}
	clearToken, tokenHash, err := security.NewConfigToken()
	if err != nil {
		return nil, core.Wrap(core.KindTransient, "TOKEN_GEN", err, "mint config token")
	}

	now := time.Now().UTC()
	expires := p.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.cfg.DefaultExpiry)
	}
	id := uuid.New().String()

	var created *Created
	err = s.committer.Locked(func() error {
		if n := s.state.ActiveDeviceCount(p.UserID); n >= s.cfg.MaxPerUser {
			return core.Errorf(core.KindConflict, "DEVICE_LIMIT",
				"user %s already has %d devices (limit %d)", p.UserID, n, s.cfg.MaxPerUser)
		}
		ip, err := s.alloc.PickFree(ipam.PoolClient, now)
		if err != nil {
			s.signalExhaustion(ctx, now, p.UserID)
			return err
		}

		lease := events.MustNew(events.TypeIPAllocated, events.AggregateIPAM, ip, Actor, "", events.IPAllocated{
			IP: ip, OwnerID: id, OwnerType: "client_device", Pool: string(ipam.PoolClient),
		})
		device := events.MustNew(events.TypeClientDeviceCreated, events.AggregateClientDevice, id, Actor, "", events.ClientDeviceCreated{
			UserID:        p.UserID,
			Name:          p.Name,
			Type:          p.Type,
			OverlayIP:     ip,
			TunnelMode:    p.TunnelMode,
			PublicKey:     priv.PublicKey().String(),
			PrivateKeyEnc: privEnc,
			TokenHash:     tokenHash,
			SingleUse:     !p.ReusableToken,
			ExpiresAt:     expires,
		})
		if _, err := s.committer.CommitLocked(ctx, eventstore.Expect(events.AggregateClientDevice, id, 0), lease, device); err != nil {
			return err
		}
		d, _ := s.state.DeviceByID(id)
		created = &Created{Device: d, ConfigToken: clearToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("📱 Issued device %s (%s) for user %s at %s", created.Device.Name, id, p.UserID, created.Device.OverlayIP)
	return created, nil
}

// signalExhaustion appends the throttled IpamExhausted marker.
func (s *Service) signalExhaustion(ctx context.Context, now time.Time, requestedFor string) {
	if !s.alloc.ShouldSignalExhaustion(ipam.PoolClient, now) {
		return
	}
	ev := events.MustNew(events.TypeIPAMExhausted, events.AggregateIPAM, string(ipam.PoolClient), Actor, "", events.IPAMExhausted{
		Pool: string(ipam.PoolClient), Requested: requestedFor,
	})
	if _, err := s.committer.CommitLocked(ctx, eventstore.Any(), ev); err != nil {
		s.logger.Printf("⚠️ Could not record pool exhaustion: %v", err)
	}
	s.logger.Printf("❌ Client pool exhausted (requested for %s)", requestedFor)
}

// Revoke retires a device and releases its address into cool-down.
func (s *Service) Revoke(ctx context.Context, deviceID, by, reason string) error {
	return s.committer.Locked(func() error {
		d, ok := s.state.DeviceByID(deviceID)
		if !ok {
			return core.Errorf(core.KindNotFound, "DEVICE_NOT_FOUND", "no device %q", deviceID)
		}
		if d.Status == core.StatusRevoked {
			return core.Errorf(core.KindConflict, "DEVICE_REVOKED", "device %s is already revoked", deviceID)
		}
		return s.revokeLocked(ctx, d, by, reason)
	})
}

// revokeLocked appends the revocation and lease release. Callers hold the
// commit lock.
func (s *Service) revokeLocked(ctx context.Context, d core.ClientDevice, by, reason string) error {
	now := time.Now().UTC()
	evs := []*events.Event{
		events.MustNew(events.TypeClientDeviceRevoked, events.AggregateClientDevice, d.ID, by, "", events.ClientDeviceRevoked{
			Reason: reason, By: by,
		}),
	}
	if d.OverlayIP != "" {
		evs = append(evs, events.MustNew(events.TypeIPReleased, events.AggregateIPAM, d.OverlayIP, by, "", events.IPReleased{
			IP: d.OverlayIP, OwnerID: d.ID, CoolDownUntil: s.alloc.CooldownUntil(now),
		}))
	}
	if _, err := s.committer.CommitLocked(ctx, eventstore.Expect(events.AggregateClientDevice, d.ID, d.Version), evs...); err != nil {
		return err
	}
	s.logger.Printf("🔒 Revoked device %s (%s): %s", d.Name, d.ID, reason)
	return nil
}

// Redeem exchanges a clear config token for the rendered profile. Expired
// devices are revoked on the spot; single-use tokens burn on first read.
func (s *Service) Redeem(ctx context.Context, clearToken, remoteIP string) (*Profile, error) {
	hash := security.HashConfigToken(clearToken)
	var profile *Profile
	err := s.committer.Locked(func() error {
		d, ok := s.state.DeviceByTokenHash(hash)
		if !ok {
			return core.Errorf(core.KindUnauthorized, "BAD_TOKEN", "unknown or revoked config token")
		}
		now := time.Now().UTC()
		if d.Expired(now) {
			if err := s.revokeLocked(ctx, d, Actor, "expired"); err != nil {
				return err
			}
			return core.Errorf(core.KindUnauthorized, "TOKEN_EXPIRED", "device %s expired %s", d.ID, d.ExpiresAt.Format(time.RFC3339))
		}
		if d.TokenSingleUse && d.ConfigDelivered {
			return core.Errorf(core.KindUnauthorized, "TOKEN_USED", "config token was already redeemed")
		}

		hub, err := s.synth.HubPeerForClient(d.TunnelMode)
		if err != nil {
			return err
		}
		priv, err := s.crypt.Open(d.PrivateKeyEnc)
		if err != nil {
			return core.Wrap(core.KindInvariant, "KEY_OPEN", err, "decrypt device private key")
		}

		delivery := events.MustNew(events.TypeClientConfigDelivery, events.AggregateClientDevice, d.ID, Actor, "", events.ClientConfigDelivered{
			RemoteIP: remoteIP,
		})
		if _, err := s.committer.CommitLocked(ctx, eventstore.Expect(events.AggregateClientDevice, d.ID, d.Version), delivery); err != nil {
			return err
		}
		profile = buildProfile(d, priv, hub, s.cfg.DNS)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("📨 Config delivered for device %s to %s", profile.Device.ID, remoteIP)
	return profile, nil
}
