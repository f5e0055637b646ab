package router

import (
	"errors"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/a-essam23/vibemap/pkg/presence"
	"github.com/a-essam23/vibemap/pkg/state"
	"github.com/a-essam23/vibemap/pkg/validate"
	"github.com/a-essam23/vibemap/pkg/vibelog"
)

// fields splits an object payload into its members. Duplicate keys resolve
// to the last occurrence, like the envelope decoder. Anything that is not an
// object yields no fields.
func fields(payload []byte) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return out
}

// value returns a member the way a JSON decoder would hand it over:
// float64, string, bool, nil, or a map or slice for composites. Missing
// members are nil.
func value(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return gjson.ParseBytes(raw).Value()
}

func (r *EventRouter) handleUpdateLocation(c *Cargo) error {
	if !r.locLimiter.Allow(c.Conn.ID.String()) {
		return errRateLimited
	}
	f := fields(c.Payload)
	lat, lng := value(f["lat"]), value(f["lng"])
	if err := validate.Coordinates(lat, lng); err != nil {
		return invalid(err)
	}
	userID := value(f["userId"])
	if err := validate.UserID(userID); err != nil {
		return invalid(err)
	}
	la, lo, member := lat.(float64), lng.(float64), userID.(string)

	if err := r.presence.Upsert(c.Ctx, r.opts.PresenceKey, member, la, lo); err != nil {
		if errors.Is(err, presence.ErrInvalidCoordinates) {
			return invalid(presence.ErrInvalidCoordinates)
		}
		return fmt.Errorf("upsert location: %w", err)
	}
	nearby, err := r.presence.SearchRadius(c.Ctx, r.opts.PresenceKey, la, lo, r.opts.RadiusMeters)
	if err != nil {
		return fmt.Errorf("search nearby: %w", err)
	}
	if nearby == nil {
		nearby = []string{}
	}
	r.reply(c.Conn, EventNearbyUpdate, nearby)
	return nil
}

func (r *EventRouter) handleSetVibe(c *Cargo) error {
	if !r.vibeLimiter.Allow(c.Conn.ID.String()) {
		return errRateLimited
	}
	f := fields(c.Payload)
	lat, lng := value(f["lat"]), value(f["lng"])
	if err := validate.Coordinates(lat, lng); err != nil {
		return invalid(err)
	}
	vibeType := value(f["vibeType"])
	if err := validate.VibeType(vibeType); err != nil {
		return invalid(err)
	}
	ev := vibelog.Event{
		Lat:       lat.(float64),
		Lng:       lng.(float64),
		VibeType:  vibeType.(string),
		CreatedAt: r.opts.Now().UTC(),
	}
	if err := r.vibes.Append(c.Ctx, ev); err != nil {
		return fmt.Errorf("append vibe: %w", err)
	}
	r.broadcast(EventGlobalVibeChange, VibePayload{Lat: ev.Lat, Lng: ev.Lng, VibeType: ev.VibeType})
	return nil
}

func (r *EventRouter) handleJoinRoom(c *Cargo) error {
	roomID, err := roomFromPayload(c.Payload)
	if err != nil {
		return err
	}
	others, joined, err := r.stateManager.Join(c.Conn.ID, roomID)
	if err != nil {
		return fmt.Errorf("join room %q: %w", roomID, err)
	}
	if !joined {
		return nil
	}
	c.Logger.Info("Connection joined room", slog.String("roomID", roomID), slog.Int("others", len(others)))
	r.sendAll(others, EventUserJoinedCall, UserPayload{UserID: c.Conn.ID.String()})
	return nil
}

func (r *EventRouter) handleLeaveRoom(c *Cargo) error {
	roomID, err := roomFromPayload(c.Payload)
	if err != nil {
		return err
	}
	remaining, left, err := r.stateManager.Leave(c.Conn.ID, roomID)
	if err != nil {
		return fmt.Errorf("leave room %q: %w", roomID, err)
	}
	if !left {
		return nil
	}
	c.Logger.Info("Connection left room", slog.String("roomID", roomID))
	r.sendAll(remaining, EventUserLeftCall, UserPayload{UserID: c.Conn.ID.String()})
	return nil
}

func roomFromPayload(payload []byte) (string, error) {
	v := value(payload)
	if err := validate.RoomID(v); err != nil {
		return "", invalid(err)
	}
	return v.(string), nil
}

// relay forwards the signaling value under key to the connection named by
// "to", tagged with the sender's id.
func (r *EventRouter) relay(key string) HandlerFunc {
	return func(c *Cargo) error {
		f := fields(c.Payload)
		to := gjson.ParseBytes(f["to"])
		if to.Type != gjson.String {
			return errMissingTarget
		}
		targetID, err := uuid.Parse(to.Str)
		if err != nil {
			return errMissingTarget
		}
		target, ok := r.stateManager.GetConnection(targetID)
		if !ok || target.State() != state.Connected {
			return errMissingTarget
		}

		signal, ok := f[key]
		if !ok {
			signal = json.RawMessage("null")
		}
		r.reply(target, c.Event, map[string]any{
			"from": c.Conn.ID.String(),
			key:    signal,
		})
		return nil
	}
}
