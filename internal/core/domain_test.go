package core

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "web-01", "web-01", false},
		{"uppercase folded", "Web-01", "web-01", false},
		{"spaces to hyphens", "build server 3", "build-server-3", false},
		{"underscores and dots", "db_primary.internal", "db-primary-internal", false},
		{"run collapse and trim", "--a__b--", "a-b", false},
		{"empty after trim", "___", "", true},
		{"too long", string(make([]byte, 70)), "", true},
		{"illegal chars", "node!@#", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHostname(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindInvalidArgument, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePublicKey(t *testing.T) {
	good := base64.StdEncoding.EncodeToString(make([]byte, 32))
	assert.NoError(t, ValidatePublicKey(good))

	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	assert.Error(t, ValidatePublicKey(short))
	assert.Error(t, ValidatePublicKey("not base64!!"))
}

func TestValidatePortSpec(t *testing.T) {
	assert.NoError(t, ValidatePortSpec(""))
	assert.NoError(t, ValidatePortSpec("5432"))
	assert.NoError(t, ValidatePortSpec("8000-8999"))
	assert.Error(t, ValidatePortSpec("0"))
	assert.Error(t, ValidatePortSpec("70000"))
	assert.Error(t, ValidatePortSpec("9000-8000"))
	assert.Error(t, ValidatePortSpec("abc"))
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusRevoked, true},
		{StatusPending, StatusSuspended, false},
		{StatusActive, StatusSuspended, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusPending, false},
		{StatusSuspended, StatusActive, true},
		{StatusSuspended, StatusRevoked, true},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusPending, false},
	}
	for _, tt := range tests {
		got, err := Transition(tt.from, tt.to)
		if tt.ok {
			require.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, got)
		} else {
			require.Error(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, KindConflict, KindOf(err))
			assert.Equal(t, tt.from, got)
		}
	}
	assert.True(t, StatusRevoked.IsTerminal())
	assert.False(t, StatusSuspended.IsTerminal())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindInvalidArgument, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindNotApproved, http.StatusForbidden},
		{KindTrustDenied, http.StatusForbidden},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindPoolExhausted, http.StatusServiceUnavailable},
		{KindTransient, http.StatusServiceUnavailable},
		{KindInvariant, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := Errorf(tt.kind, "X", "msg")
		assert.Equal(t, tt.status, e.HTTPStatus(), tt.kind.String())
	}

	wrapped := Wrap(KindConflict, "HOSTNAME_EXISTS", assert.AnError, "hostname %q taken", "web-01")
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "HOSTNAME_EXISTS", CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, "INTERNAL", CodeOf(assert.AnError))
}

func TestClientDeviceExpired(t *testing.T) {
	now := time.Now()
	d := &ClientDevice{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, d.Expired(now))
	assert.True(t, d.Expired(now.Add(2*time.Hour)))
	assert.False(t, (&ClientDevice{}).Expired(now))
}
