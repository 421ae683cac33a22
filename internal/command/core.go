package command

import (
	"time"

	"github.com/arqonbus/bus/internal/history"
	"github.com/arqonbus/bus/internal/routing"
)

func (d *Dispatcher) registerCore() {
	d.register("status", RoleUser, cmdStatus)
	d.register("ping", RoleUser, cmdPing)
	d.register("history.get", RoleUser, cmdHistoryGet)
	d.register("history.replay", RoleUser, cmdHistoryReplay)
	d.register("create_channel", RoleAdmin, cmdCreateChannel)
	d.register("delete_channel", RoleAdmin, cmdDeleteChannel)
	d.register("join_channel", RoleUser, cmdJoinChannel)
	d.register("leave_channel", RoleUser, cmdLeaveChannel)
	d.register("list_channels", RoleUser, cmdListChannels)
	d.register("channel_info", RoleUser, cmdChannelInfo)
}

func cmdStatus(d *Dispatcher, req Request) Response {
	return ok(map[string]interface{}{
		"storage_mode":     string(d.storage.Mode()),
		"storage_degraded": d.storage.IsDegraded(),
		"time":             time.Now().UTC().Format(time.RFC3339),
	})
}

func cmdPing(d *Dispatcher, req Request) Response {
	return ok(map[string]interface{}{"pong": true})
}

func cmdHistoryGet(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	entries, err := d.history.Get(history.GetParams{
		TenantID:      req.Caller.TenantID(),
		Room:          room,
		Channel:       argString(req.Args, "channel"),
		Limit:         argInt(req.Args, "limit", 50),
		SinceSequence: int64(argInt(req.Args, "since_sequence", 0)),
		IsAdmin:       req.Caller.IsAdmin(),
	})
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(map[string]interface{}{"entries": entriesToMaps(entries)})
}

func cmdHistoryReplay(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	fromTS, _ := req.Args["from_ts"].(string)
	toTS, _ := req.Args["to_ts"].(string)
	from, _ := time.Parse(time.RFC3339, fromTS)
	to, _ := time.Parse(time.RFC3339, toTS)

	result, err := d.history.Replay(history.ReplayParams{
		TenantID: req.Caller.TenantID(),
		Room:     room,
		Channel:  argString(req.Args, "channel"),
		FromTS:   from,
		ToTS:     to,
		DryRun:   argBool(req.Args, "dry_run"),
		IsAdmin:  req.Caller.IsAdmin(),
	})
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	if result.Entries == nil {
		return ok(map[string]interface{}{"count": result.Count, "from_seq": result.FromSeq, "to_seq": result.ToSeq})
	}
	return ok(map[string]interface{}{
		"count": result.Count, "from_seq": result.FromSeq, "to_seq": result.ToSeq,
		"entries": entriesToMaps(result.Entries),
	})
}

func entriesToMaps(entries []history.Entry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id": e.ID, "sequence": e.Sequence, "timestamp": e.Timestamp.Format(time.RFC3339),
			"from": e.From, "type": e.Type, "payload": e.Payload,
		})
	}
	return out
}

func cmdCreateChannel(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	name := argString(req.Args, "name")
	if room == "" || name == "" {
		return fail(validationErrorCode, "room and name are required")
	}
	ch, err := d.fabric.CreateChannel(req.Caller.TenantID(), room, name, routing.ChannelGeneral, argBool(req.Args, "hardcoded"), req.Caller.ClientID())
	if err != nil {
		return fail(internalErrorCode, err.Error())
	}
	return ok(map[string]interface{}{"room": room, "channel": ch.Name})
}

func cmdDeleteChannel(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	name := argString(req.Args, "name")
	if err := d.fabric.DeleteChannel(req.Caller.TenantID(), room, name); err != nil {
		switch err {
		case routing.ErrChannelProtected:
			return fail(channelProtectedCode, err.Error())
		case routing.ErrChannelNotEmpty:
			return fail(channelNotEmptyCode, err.Error())
		default:
			return fail(validationErrorCode, err.Error())
		}
	}
	return ok(nil)
}

func cmdJoinChannel(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	channel := argString(req.Args, "channel")
	if room == "" || channel == "" {
		return fail(validationErrorCode, "room and channel are required")
	}
	if err := d.fabric.Subscribe(req.Caller.TenantID(), room, channel, req.Caller); err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(map[string]interface{}{"room": room, "channel": channel})
}

func cmdLeaveChannel(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	channel := argString(req.Args, "channel")
	d.fabric.Unsubscribe(req.Caller.TenantID(), room, channel, req.Caller.SessionID())
	return ok(nil)
}

func cmdListChannels(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	if room == "" && !req.Caller.IsAdmin() {
		return fail(validationErrorCode, "room is required for non-admin callers")
	}
	infos, err := d.fabric.ListChannels(req.Caller.TenantID(), room)
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]interface{}{
			"room": info.Room, "name": info.Name, "type": string(info.Type),
			"hardcoded": info.Hardcoded, "participants": info.Participants,
		})
	}
	return ok(map[string]interface{}{"channels": out})
}

func cmdChannelInfo(d *Dispatcher, req Request) Response {
	room := argString(req.Args, "room")
	name := argString(req.Args, "name")
	info, err := d.fabric.ChannelDetail(req.Caller.TenantID(), room, name)
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(map[string]interface{}{
		"room": info.Room, "name": info.Name, "type": string(info.Type),
		"hardcoded": info.Hardcoded, "participants": info.Participants,
		"created_at": info.CreatedAt.Format(time.RFC3339), "created_by": info.CreatedBy,
	})
}
