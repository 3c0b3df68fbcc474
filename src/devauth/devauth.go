package devauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandrolain/iot-gateway/src/kv"
	"github.com/sandrolain/iot-gateway/src/models"
)

const lastSeenTTL = 24 * time.Hour

// Authenticator validates device credentials and keeps the session
// bindings of connection-oriented protocols.
type Authenticator struct {
	store  *kv.Store
	logger *slog.Logger
}

// New returns an authenticator over the shared store.
func New(store *kv.Store) *Authenticator {
	return &Authenticator{
		store:  store,
		logger: slog.Default().With("context", "Device Auth"),
	}
}

// Check verifies the credential pair against the stored record. An
// unprovisioned device fails the check without error.
func (a *Authenticator) Check(ctx context.Context, p models.Protocol, deviceID, username, password string) (bool, error) {
	raw, ok, err := a.store.HGet(ctx, models.AuthKey(p), deviceID)
	if err != nil {
		return false, fmt.Errorf("error reading credentials: %w", err)
	}
	if !ok {
		a.logger.Debug("unknown device", "protocol", p, "device", deviceID)
		return false, nil
	}

	var rec models.AuthRecord
	if err := models.DecodeJSON([]byte(raw), &rec); err != nil {
		a.logger.Warn("malformed credential record", "protocol", p, "device", deviceID, "err", err)
		return false, nil
	}

	return rec.Username == username && rec.Password == password, nil
}

// Bind records both directions of a device session on this node.
func (a *Authenticator) Bind(ctx context.Context, p models.Protocol, node, deviceID, addr string) error {
	if err := a.store.HSet(ctx, models.SessionKey(p, node), deviceID, addr); err != nil {
		return fmt.Errorf("error binding session: %w", err)
	}
	if err := a.store.HSet(ctx, models.SessionReverseKey(p, node), addr, deviceID); err != nil {
		return fmt.Errorf("error binding session: %w", err)
	}
	a.logger.Debug("session bound", "protocol", p, "device", deviceID, "addr", addr)
	return nil
}

// Unbind removes both directions of a device session.
func (a *Authenticator) Unbind(ctx context.Context, p models.Protocol, node, deviceID, addr string) error {
	if err := a.store.HDel(ctx, models.SessionKey(p, node), deviceID); err != nil {
		return fmt.Errorf("error unbinding session: %w", err)
	}
	if err := a.store.HDel(ctx, models.SessionReverseKey(p, node), addr); err != nil {
		return fmt.Errorf("error unbinding session: %w", err)
	}
	a.logger.Debug("session unbound", "protocol", p, "device", deviceID, "addr", addr)
	return nil
}

// DeviceByAddr resolves the device bound to a remote address.
func (a *Authenticator) DeviceByAddr(ctx context.Context, p models.Protocol, node, addr string) (string, bool, error) {
	deviceID, ok, err := a.store.HGet(ctx, models.SessionReverseKey(p, node), addr)
	if err != nil {
		return "", false, fmt.Errorf("error resolving session: %w", err)
	}
	return deviceID, ok, nil
}

// AddrByDevice resolves the remote address bound to a device.
func (a *Authenticator) AddrByDevice(ctx context.Context, p models.Protocol, node, deviceID string) (string, bool, error) {
	addr, ok, err := a.store.HGet(ctx, models.SessionKey(p, node), deviceID)
	if err != nil {
		return "", false, fmt.Errorf("error resolving session: %w", err)
	}
	return addr, ok, nil
}

// Touch refreshes the last-seen marker for an address.
func (a *Authenticator) Touch(ctx context.Context, addr string) error {
	now := time.Now().Unix()
	if err := a.store.Set(ctx, models.LastSeenKey(addr), fmt.Sprintf("%d", now), lastSeenTTL); err != nil {
		return fmt.Errorf("error refreshing last-seen: %w", err)
	}
	return nil
}
