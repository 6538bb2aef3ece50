package devices

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/ztmesh/ztmesh/internal/core"
	"github.com/ztmesh/ztmesh/internal/topology"
)

// clientMTU keeps room for the WireGuard envelope on consumer uplinks.
const clientMTU = 1420

const qrSize = 256

// Profile is a redeemed device configuration. PrivateKey lives only here,
// never in the projection or any list endpoint.
type Profile struct {
	Device     core.ClientDevice `json:"device"`
	PrivateKey string            `json:"private_key"`
	DNS        string            `json:"dns"`
	Hub        topology.Peer     `json:"hub"`
}

func buildProfile(d core.ClientDevice, privateKey string, hub topology.Peer, dns string) *Profile {
	return &Profile{Device: d, PrivateKey: privateKey, DNS: dns, Hub: hub}
}

// WireGuardText renders the profile as a wg-quick config file.
func (p *Profile) WireGuardText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", p.Device.OverlayIP)
	fmt.Fprintf(&b, "DNS = %s\n", p.DNS)
	fmt.Fprintf(&b, "MTU = %d\n", clientMTU)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.Hub.PublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", p.Hub.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.Hub.AllowedIPs, ", "))
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Hub.Keepalive)
	return b.String()
}

// QRPNG encodes the wg-quick text as a PNG for the mobile apps' scanner.
func (p *Profile) QRPNG() ([]byte, error) {
	png, err := qrcode.Encode(p.WireGuardText(), qrcode.Medium, qrSize)
	if err != nil {
		return nil, core.Wrap(core.KindInvariant, "QR_ENCODE", err, "encode config QR")
	}
	return png, nil
}
