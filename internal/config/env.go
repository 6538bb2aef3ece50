package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv copies set environment variables over cfg. Unset keys leave the
// file/default values alone, mirroring how the YAML overlay behaves.
func applyEnv(c *Config) {
	setStr(&c.Server.Port, "HUB_API_PORT")
	setStr(&c.Server.AdminSecret, "ADMIN_SECRET")
	setStr(&c.Server.SecretKey, "SECRET_KEY")
	setStr(&c.Server.PrevSecretKey, "PREV_SECRET_KEY")

	setStr(&c.Overlay.Network, "OVERLAY_NETWORK")
	setInt(&c.Overlay.WGPort, "WG_PORT")
	setInt(&c.Overlay.NodePoolStart, "NODE_IP_POOL_START")
	setInt(&c.Overlay.NodePoolEnd, "NODE_IP_POOL_END")
	setInt(&c.Overlay.CooldownHours, "IPAM_COOLDOWN_HOURS")

	setInt(&c.Clients.PoolStart, "CLIENT_IP_POOL_START")
	setInt(&c.Clients.PoolEnd, "CLIENT_IP_POOL_END")
	setInt(&c.Clients.DefaultExpireDays, "CLIENT_DEFAULT_EXPIRES_DAYS")
	setInt(&c.Clients.MaxDevicesPerUser, "CLIENT_MAX_DEVICES_PER_USER")
	setStr(&c.Clients.DNS, "CLIENT_DNS")

	setBool(&c.Registry.AutoApproveAll, "AUTO_APPROVE_ALL")
	if v := os.Getenv("AUTO_APPROVE_ROLES"); v != "" {
		c.Registry.AutoApproveRoles = splitCSV(v)
	}
	setInt(&c.Registry.RegisterPerMin, "REGISTER_RATE_PER_MIN")

	setDuration(&c.Trust.ReevalInterval, "TRUST_REEVAL_INTERVAL")
	setInt(&c.Stream.Buffer, "STREAM_BUFFER")
	setInt(&c.Webhooks.Workers, "WEBHOOK_WORKERS")

	setStr(&c.Bus.Backend, "EVENT_BUS")
	setStr(&c.Bus.RedisURL, "REDIS_URL")
	setStr(&c.Database.URL, "DATABASE_URL")

	setStr(&c.Audit.Project, "PUBSUB_PROJECT")
	setStr(&c.Audit.Topic, "PUBSUB_AUDIT_TOPIC")
	setStr(&c.Audit.CredentialsFile, "GOOGLE_CREDENTIALS_FILE")

	setStr(&c.PolicyFile, "POLICY_FILE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
